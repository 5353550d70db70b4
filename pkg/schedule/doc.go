// Package schedule decides when periodic tasks are due.
package schedule
