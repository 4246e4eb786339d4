package main

// TODO:
// - run the recurring scheduler in-process once deployments stop relying on cron
// - APM/Tracing
func main() {
	startManual()
}
