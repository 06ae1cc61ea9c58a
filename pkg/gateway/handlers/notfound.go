package handlers

import (
	"net/http"

	"github.com/voxflame/voxgate/pkg/gateway/mw"
)

type NotFoundHandler struct{}

func (h NotFoundHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	mw.WriteError(w, r, http.StatusNotFound, &mw.APIError{
		Type:    mw.ErrTypeNotFound,
		Message: "not found",
	})
}
