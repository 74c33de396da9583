package routes

import (
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/STQT/acham/internal/config"
	"github.com/STQT/acham/internal/handlers"
	"github.com/STQT/acham/internal/middleware"
	"github.com/STQT/acham/internal/services"
)

// Register wires up all HTTP routes.
func Register(app *fiber.App, db *gorm.DB, rdb *redis.Client, cfg *config.Config) {
	telegramService := services.NewTelegramService(cfg.TelegramBotToken, cfg.TelegramAdminChat)
	eskizService := services.NewEskizService(cfg.EskizEmail, cfg.EskizPassword, cfg.EskizSender, cfg.EskizCallbackURL, rdb)
	mailerService := services.NewMailerService(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPassword, cfg.SMTPFrom, cfg.AdminEmail)
	otpService := services.NewOTPService(db, eskizService, mailerService, cfg.IsProduction())

	socialService := services.NewSocialService(db, services.NewRedisStateStore(rdb),
		services.NewGoogleProvider(cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.GoogleScopes),
		services.NewFacebookProvider(cfg.FacebookClientID, cfg.FacebookClientSecret, cfg.FacebookScopes),
	)

	octoGateway := services.NewOctoService(cfg.OctoAPIURL, cfg.OctoShopID, cfg.OctoSecret, cfg.OctoTestMode)
	notifyURL := fmt.Sprintf("%s/api/payments/notify", cfg.PublicBaseURL)
	paymentService := services.NewPaymentService(db, octoGateway, cfg.OctoSecret, cfg.FrontendURL, notifyURL, telegramService)

	authHandler := handlers.NewAuthHandler(db, cfg, otpService)
	userHandler := handlers.NewUserHandler(db, cfg, otpService)
	resetHandler := handlers.NewPasswordResetHandler(db, cfg, otpService)
	socialHandler := handlers.NewSocialHandler(cfg, socialService)
	orderHandler := handlers.NewOrderHandler(db, telegramService)
	paymentHandler := handlers.NewPaymentHandler(db, paymentService)

	api := app.Group("/api")

	// Auth routes
	auth := api.Group("/auth")
	auth.Post("/login", authHandler.Login)
	auth.Post("/phone/request", authHandler.PhoneLoginRequest)
	auth.Post("/phone/verify", authHandler.PhoneLoginVerify)
	auth.Post("/refresh", authHandler.Refresh)
	auth.Post("/verify", authHandler.VerifyToken)
	auth.Post("/change-password", middleware.AuthMiddleware(cfg), authHandler.ChangePassword)
	auth.Post("/forgot-password", resetHandler.ForgotPassword)
	auth.Post("/reset-password/verify", resetHandler.VerifyResetCode)
	auth.Post("/reset-password", resetHandler.ResetPassword)
	auth.Get("/social/:provider/authorize", socialHandler.Authorize)
	auth.Post("/social/:provider/callback", socialHandler.Callback)

	// User routes
	users := api.Group("/users")
	users.Get("/countries", userHandler.ListCountries)
	users.Post("/register", userHandler.Register)
	users.Post("/verify-otp/:user_id", userHandler.VerifyOTP)
	users.Post("/resend-otp", userHandler.ResendOTP)
	users.Get("/me", middleware.AuthMiddleware(cfg), userHandler.Me)
	users.Put("/me", middleware.AuthMiddleware(cfg), userHandler.UpdateMe)

	// Payment webhook is unauthenticated but signature-checked.
	api.Post("/payments/notify", middleware.OctoNotifyMiddleware(cfg.OctoSecret), paymentHandler.Notify)

	// Protected routes
	protected := api.Group("", middleware.AuthMiddleware(cfg))

	protected.Post("/orders", orderHandler.CreateOrder)
	protected.Get("/orders", orderHandler.ListOrders)
	protected.Get("/orders/:id", orderHandler.GetOrder)

	protected.Post("/payments/:order_id/initiate", paymentHandler.Initiate)
	protected.Post("/payments/:order_id/confirm", paymentHandler.Confirm)
	protected.Post("/payments/:order_id/verify-otp", paymentHandler.VerifyOTP)
	protected.Get("/payments/:order_id/status", paymentHandler.Status)
}
