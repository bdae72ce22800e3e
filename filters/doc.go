/*
Package filters contains the definitions of the request and response
filters applied by the gateway to every incoming request.

A filter is an object with a Request and a Response method. The gateway
holds an explicit list of global filters, each declaring its precedence
through the Order method. The list is sorted by precedence when the chain
is created, so the order in which the filters are registered does not
matter.

Request side

The Request methods are called in ascending order of precedence. A filter
can:

  - return normally, optionally after changing the request, to continue
    with the next filter,
  - call FilterContext.Serve with a response, terminating the chain,
  - call FilterContext.Drop, terminating the chain without any response.
    Callers treat this as a deliberate outcome and abort the client
    connection.

Response side

The Response methods of the filters whose Request method was executed are
called in reverse order, after the backend responded or a filter served
the request. This means the filter with the highest precedence sees the
final response, and its transformation wraps all the others.

The built-in filters and their precedence:

  apiDocsPrefix  HighestPrecedence     rewrites the paths of service API documentation
  ratelimit      HighestPrecedence+1   distributed rate limit with ban period per path and client
  identity       HighestPrecedence+2   resolves the user or anonymous identity of the request
*/
package filters
