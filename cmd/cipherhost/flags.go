package main

import "time"

// APIFlags Flag structs to decouple cobra from logic for testing.
type APIFlags struct {
	APIUrl     string
	APITimeout time.Duration
	Wait       time.Duration
}

type FallbackFlags struct {
	Listen   string
	Starting bool
}
