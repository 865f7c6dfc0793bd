package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/user"
	"path"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jessevdk/go-flags"
	"github.com/ulule/limiter/v3"
	limiterhttp "github.com/ulule/limiter/v3/drivers/middleware/stdlib"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	dataDir        = ".registerserver"
	dbName         = "register.db"
	queueFileName  = "solo_queue.json"
	jwtKeyHex      = "7c1f4a90de33ab51c6f02b8e19d7746a02c55e8f31ab9cd04e6712f8a0b3dc19"
	userContextKey = contextKey("user")

	// Minimum time between accepted submissions from the same contact.
	submissionCooldown = 30 * time.Second
)

type contextKey string

type Options struct {
	DataDir          string `short:"d" long:"datadir" env:"DATA_DIR" description:"Directory to store the database and solo queue file"`
	Port             int    `short:"p" long:"port" env:"PORT" default:"3000" description:"Port to listen on"`
	ChallongeAPIKey  string `long:"challongekey" env:"CHALLONGE_API_KEY" description:"Challonge API key"`
	ChallongeTourney string `long:"challongetourney" env:"CHALLONGE_TOURNEY" description:"Challonge tournament id or url slug"`
	TelegramToken    string `long:"telegramtoken" env:"TELEGRAM_BOT_TOKEN" description:"Telegram bot token used for notifications"`
	TelegramChatID   string `long:"telegramchat" env:"TELEGRAM_CHAT_ID" description:"Telegram chat id notifications are sent to"`
	HCaptchaSecret   string `long:"hcaptchasecret" env:"HCAPTCHA_SECRET" description:"hCaptcha secret. Captcha verification is skipped when unset"`
	DevMode          bool   `long:"devmode" description:"Run in dev mode with insecure cookies"`
}

type Server struct {
	db               *gorm.DB
	queue            *SoloQueue
	challonge        *ChallongeClient
	telegram         *TelegramNotifier
	captcha          *CaptchaVerifier
	cooldowns        *CooldownTracker
	loginRateLimiter *limiter.Limiter
	devMode          bool
}

var jwtKey []byte

func init() {
	var err error
	jwtKey, err = hex.DecodeString(jwtKeyHex)
	if err != nil {
		log.Fatal("error parsing jwt key")
	}
}

func main() {
	var opts Options
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	dataDirPath, err := resolveDataDir(opts.DataDir)
	if err != nil {
		log.Fatalf("Data directory errored: %s", err)
	}

	db, err := initDatabase(dataDirPath)
	if err != nil {
		log.Fatalf("Database initialization errored: %s", err)
	}

	keyPreview := opts.ChallongeAPIKey
	if len(keyPreview) > 6 {
		keyPreview = keyPreview[:6] + "..."
	}
	log.Printf("Challonge key: %s tourney: %s", keyPreview, opts.ChallongeTourney)

	s := &Server{
		db:               db,
		queue:            NewSoloQueue(path.Join(dataDirPath, queueFileName)),
		challonge:        NewChallongeClient(opts.ChallongeAPIKey, opts.ChallongeTourney),
		telegram:         NewTelegramNotifier(opts.TelegramToken, opts.TelegramChatID),
		captcha:          NewCaptchaVerifier(opts.HCaptchaSecret),
		cooldowns:        NewCooldownTracker(10000),
		loginRateLimiter: limiter.New(memory.NewStore(), limiter.Rate{Period: time.Hour, Limit: 10}),
		devMode:          opts.DevMode,
	}

	log.Printf("API running on http://localhost:%d", opts.Port)
	if err := http.ListenAndServe(fmt.Sprintf(":%d", opts.Port), s.routes()); err != nil {
		log.Fatal(err)
	}
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "Authorization"},
	}))

	// Max 3 registration attempts per IP per rolling minute, checked
	// before any handler logic runs.
	registerLimiter := limiter.New(memory.NewStore(), limiter.Rate{Period: time.Minute, Limit: 3})
	registerLimitMW := limiterhttp.NewMiddleware(registerLimiter,
		limiterhttp.WithLimitReachedHandler(func(w http.ResponseWriter, r *http.Request) {
			respondError(w, http.StatusTooManyRequests, "Too many requests. Try again later.")
		}),
	)

	r.Get("/", s.GETRoot)
	r.Get("/api/test-telegram", s.GETTestTelegram)
	r.With(registerLimitMW.Handler).Post("/api/register", s.POSTRegister)

	r.Post("/login", s.POSTLoginHandler)
	r.Post("/logout", s.POSTLogoutHandler)
	r.Get("/auth/me", authMiddleware(s.GETAuthMe))
	r.Post("/changepw", authMiddleware(s.POSTChangePasswordHandler))
	r.Get("/api/solo-queue", authMiddleware(s.GETSoloQueue))
	r.Get("/api/registrations", authMiddleware(s.GETRegistrations))

	return r
}

func resolveDataDir(override string) (string, error) {
	if override != "" {
		if err := os.MkdirAll(override, os.ModePerm); err != nil {
			return "", err
		}
		return override, nil
	}

	// Get the OS specific home directory via the Go standard lib.
	var homeDir string
	usr, err := user.Current()
	if err == nil {
		homeDir = usr.HomeDir
	}

	// Fall back to standard HOME environment variable that works
	// for most POSIX OSes if the directory from the Go standard
	// lib failed.
	if err != nil || homeDir == "" {
		homeDir = os.Getenv("HOME")
	}

	dataDirPath := path.Join(homeDir, dataDir)
	if err := os.MkdirAll(dataDirPath, os.ModePerm); err != nil {
		return "", err
	}
	return dataDirPath, nil
}

// Check to see if the database exists. If not create it and initialize
// it with a default admin password to be changed later.
func initDatabase(dataDirPath string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path.Join(dataDirPath, dbName)), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	if err := applyMigrations(db); err != nil {
		return nil, err
	}

	var creds DBCredentials
	result := db.First(&creds)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			hash, err := bcrypt.GenerateFromPassword([]byte("letmein"), bcrypt.DefaultCost)
			if err != nil {
				return nil, err
			}
			result := db.Create(&DBCredentials{Username: "admin", PasswordHash: string(hash)})
			if result.Error != nil {
				return nil, result.Error
			}
		} else {
			return nil, result.Error
		}
	}

	return db, nil
}

func applyMigrations(db *gorm.DB) error {
	return db.AutoMigrate(
		&DBCredentials{},
		&RegistrationEntry{},
	)
}

// Validate the JWT token. It can either been in a cookie or a header.
func authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var tokenStr string

		// First try Authorization header
		authHeader := r.Header.Get("Authorization")
		if len(authHeader) >= 7 && authHeader[:7] == "Bearer " {
			tokenStr = authHeader[7:]
		} else {
			// Fallback to auth_token cookie
			cookie, err := r.Cookie("auth_token")
			if err != nil {
				http.Error(w, "Missing auth token", http.StatusUnauthorized)
				return
			}
			tokenStr = cookie.Value
		}

		claims := &Claims{}
		token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
			return jwtKey, nil
		})

		if err != nil || !token.Valid {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		// Token is valid, proceed
		ctx := context.WithValue(r.Context(), userContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	}
}
