// Package sample is a Go object module for the GoObjects tests.
package sample

//go:generate go tool compile -p sample -o ../sample.o sample.go

// Version of the sample API, read by MinVersion.
var Version = [3]int32{1, 2, 0}

var calls int

func Add(a, b int) int {
	calls++
	return a + b
}

func Name() string { return "sample" }

func Calls() int { return calls }
