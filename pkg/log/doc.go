/*
Package log provides structured logging for Umbra using zerolog.

A single global logger is initialized once at startup (JSON in
production, pretty console for development) and components derive child
loggers carrying stable fields:

	logger := log.WithComponent("dispatcher")
	logger.Warn().Str("topic", t).Msg("no matching subscription")

WithDeviceID, WithTopic, and WithConsumerID attach the fields used most
often when tracing a message through the pipeline. Keep values typed
(.Str, .Int, .Err); never concatenate data into the message string.
*/
package log
