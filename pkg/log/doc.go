// Package log configures the process-wide zerolog logger for Kiln.
//
// Setup is called once from main with the configured level and output form;
// subsystems derive child loggers through Component (and workers through
// Worker) so every line carries where it came from.
package log
