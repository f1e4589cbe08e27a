package notify_test

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/jules-labs/libralend/internal/notify"
)

func httpHandler(hub *notify.Hub, user uuid.UUID) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Serve(w, r, user)
	})
}
