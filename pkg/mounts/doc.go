// Package mounts reads the live mount table.
package mounts
