// Package types defines the states, roles and kinds shared by every colony
// package.
package types
