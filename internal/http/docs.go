// package http contains the request model, the handler contract and the
// dispatcher interface, which are meant to be exported through the top
// level package as aliases
package http

import (
	"net/http"
)

// StatusText is re-exported to avoid an extra import for callers printing
// responses.
var StatusText = http.StatusText
