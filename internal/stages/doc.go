// Package stages contains built-in stage handlers.
package stages
