// Package util provides common utility functions used across the identity module.
//
// Key utilities:
//   - SafeTruncate: bounds provider response bodies kept on errors
//   - RedactEmail: masks email addresses in debug logs
package util
