package chatapi

import (
	"net/http"

	"marketchat/cmd/internal/chat"
)

// statusFor maps a chat error code to its HTTP status.
func statusFor(code string) int {
	switch code {
	case chat.ErrValidation.Error():
		return http.StatusBadRequest
	case chat.ErrUnauthorized.Error():
		return http.StatusForbidden
	case chat.ErrNotFound.Error():
		return http.StatusNotFound
	case chat.ErrConversationClosed.Error():
		return http.StatusConflict
	case chat.ErrTimeout.Error():
		return http.StatusGatewayTimeout
	case chat.ErrDeliveryUnavailable.Error():
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, op string, err error) {
	code := chat.ErrorCode(err)
	status := statusFor(code)
	if status == http.StatusInternalServerError {
		h.log.Error(op+".fail", "err", err, "path", r.URL.Path)
		writeError(w, status, "internal", "internal error")
		return
	}
	writeError(w, status, code, err.Error())
}
