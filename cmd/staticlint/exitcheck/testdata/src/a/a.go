package main

import "os"

func main() {
	defer cleanup()
	if len(os.Args) > 1 {
		os.Exit(1) // want `do not call os.Exit from main.main`
	}
	go func() {
		os.Exit(2)
	}()
}

func cleanup() {}

func helper() {
	os.Exit(3)
}
