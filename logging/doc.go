/*
Package logging implements application log instrumentation and Apache
combined access log.

# Application Log

The application log uses the logrus package:

https://github.com/sirupsen/logrus

To send messages to the application log, import logrus and use its
methods. Example:

	import log "github.com/sirupsen/logrus"

	func doSomething() {
	    log.Errorf("nothing to do")
	}

Components that accept a custom logger, like the redis client, take a
Logger. The DefaultLog implementation writes to the standard logrus
logger.

During startup initialization, it is possible to redirect the log output
from the default /dev/stderr to another file, to set the level, and to
set a common prefix for each log entry. Setting the prefix may be a good
idea when the access log is enabled and its output is the same as the one
of the application log, to make it easier to split the output for
diagnostics.

# Access Log

The access log prints HTTP access information in the Apache combined
access log format, extended with the duration in milliseconds, the
requested host and the service the request was routed to. The user field
contains the user id resolved by the identity filter. The proxy wraps the
response writer with a LoggingWriter, and calls LogAccess after every
request.

During initialization, it is possible to redirect the access log output
from the default /dev/stderr to another file, to switch to JSON format,
or to completely disable the access log.
*/
package logging
