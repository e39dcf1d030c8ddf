package httpapi

import "net/http"

// RegisterRoutes wires the account endpoints into the provided mux.
func RegisterRoutes(mux *http.ServeMux, handler *Handler) {
	if mux == nil || handler == nil {
		return
	}
	mux.HandleFunc(PathRegister, handler.HandleRegister)
	mux.HandleFunc(PathLogin, handler.HandleLogin)
	mux.HandleFunc(PathLogout, handler.HandleLogout)
	mux.HandleFunc(PathSession, handler.HandleSessionStatus)
	mux.HandleFunc(PathSessionRenew, handler.HandleSessionRenew)
	mux.HandleFunc(PathSessionDestroy, handler.HandleSessionDestroy)
	mux.HandleFunc(PathPassword, handler.HandlePasswordUpdate)
	mux.HandleFunc(PathResetRequest, handler.HandleResetRequest)
	mux.HandleFunc(PathResetConfirm, handler.HandleResetConfirm)
	mux.HandleFunc(PathEmailConfirm, handler.HandleEmailConfirm)
	mux.HandleFunc(PathMFAEnroll, handler.HandleMFAEnroll)
	mux.HandleFunc(PathMFAConfirm, handler.HandleMFAConfirm)
	mux.HandleFunc(PathPasskey, handler.HandlePasskey)
}
