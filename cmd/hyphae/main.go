package main

var (
	// Version is set during build
	Version = "0.3.0"
	// BuildTime is set during build
	BuildTime = "unknown"
)

func main() {
	Execute()
}
