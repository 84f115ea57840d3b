package handlers

import (
	"net/http"

	"github.com/eduhub/eduhub/internal/middleware"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

func NewRouter(
	otpHandlers *OTPHandlers,
	authMiddleware *middleware.AuthMiddleware,
	corsOrigins []string,
	logger *logrus.Logger,
) *mux.Router {
	router := mux.NewRouter()

	router.Use(middleware.CORSMiddleware(corsOrigins))
	router.Use(middleware.LoggingMiddleware(logger))

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", Health).Methods("GET", "OPTIONS")

	auth := api.PathPrefix("/auth").Subrouter()
	auth.HandleFunc("/request-email-otp", otpHandlers.RequestEmailOTP).Methods("POST", "OPTIONS")
	auth.HandleFunc("/verify-email-otp", otpHandlers.VerifyEmailOTP).Methods("POST", "OPTIONS")
	auth.HandleFunc("/mail-config", otpHandlers.MailConfig).Methods("GET", "OPTIONS")

	auth.Handle("/verified-email",
		authMiddleware.RequireVerifiedEmail(http.HandlerFunc(otpHandlers.VerifiedEmail)),
	).Methods("GET", "OPTIONS")

	return router
}
