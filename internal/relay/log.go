package relay

import "github.com/lanikai/duocall/internal/logging"

var log = logging.DefaultLogger.WithTag("relay")
