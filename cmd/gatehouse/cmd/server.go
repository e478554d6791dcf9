package cmd

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/tbaxter/gatehouse/gateway"
	"github.com/tbaxter/gatehouse/storage"
	bboltstorage "github.com/tbaxter/gatehouse/storage/bbolt"
	"github.com/tbaxter/gatehouse/storage/postgres"
	"github.com/tbaxter/gatehouse/twofactor"
)

var (
	port           int
	dataDir        string
	postgresDSN    string
	usersFile      string
	allowedOrigins []string
	trustedProxies []string
	sessionTTL     time.Duration
	lockThreshold  int
	lockCooldown   time.Duration
	rateMax        int
	loginRateMax   int
	enableHSTS     bool
	tlsCert        string
	tlsKey         string
)

const reapInterval = 10 * time.Minute

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the security gateway server",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

		var (
			repo   storage.SessionRepository
			closer func()
		)
		if postgresDSN != "" {
			store, err := postgres.NewRepositoryFromDSN(cmd.Context(), postgresDSN)
			if err != nil {
				return fmt.Errorf("opening postgres session store: %w", err)
			}
			repo, closer = store, store.Close
		} else {
			if err := os.MkdirAll(dataDir, 0o700); err != nil {
				return fmt.Errorf("creating data directory: %w", err)
			}
			store, err := bboltstorage.NewRepositoryFromFile(dataDir+"/sessions.db", nil)
			if err != nil {
				return fmt.Errorf("opening session store: %w", err)
			}
			repo, closer = store, func() { store.Close() }
		}
		defer closer()

		users, err := loadUsers(usersFile)
		if err != nil {
			return fmt.Errorf("loading users file: %w", err)
		}

		proxies, err := parsePrefixes(trustedProxies)
		if err != nil {
			return fmt.Errorf("parsing trusted proxies: %w", err)
		}

		clock := gateway.SystemClock()
		g := gateway.New(repo, users, twofactor.NewVerifier(users, clock),
			gateway.WithLogger(logger),
			gateway.WithSessionTTL(sessionTTL),
			gateway.WithLockoutPolicy(lockThreshold, lockCooldown),
			gateway.WithRateLimit(time.Minute, rateMax),
			gateway.WithLoginRateLimit(loginRateMax),
			gateway.WithTrustedProxies(proxies),
			gateway.WithHeaderConfig(gateway.HeaderConfig{
				AllowedOrigins: allowedOrigins,
				EnableHSTS:     enableHSTS,
			}),
		)
		g.Start()
		defer g.Stop()

		r := chi.NewRouter()
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("OK"))
		})

		app := g.Router()
		app.With(g.RequireSession).Get("/bookings", func(w http.ResponseWriter, r *http.Request) {
			// Placeholder for the booking application's routes.
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"bookings":[]}`))
		})
		r.Mount("/", g.Handler(app))

		server := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		// Session reaping runs outside the gateway, against the same store.
		reapCtx, stopReaper := context.WithCancel(context.Background())
		defer stopReaper()
		go reapLoop(reapCtx, repo, logger)

		done := make(chan error, 1)
		go func() {
			var err error
			if tlsCert != "" && tlsKey != "" {
				err = server.ListenAndServeTLS(tlsCert, tlsKey)
			} else {
				err = server.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		fmt.Printf("Starting gatehouse on port %d...\n", port)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			fmt.Printf("\nReceived %s, shutting down...\n", sig)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

func reapLoop(ctx context.Context, repo storage.SessionRepository, logger *slog.Logger) {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := repo.DeleteExpired(ctx, time.Now())
			if err != nil {
				logger.Warn("session reap failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("reaped expired sessions", "count", n)
			}
		}
	}
}

func parsePrefixes(cidrs []string) ([]netip.Prefix, error) {
	var prefixes []netip.Prefix
	for _, c := range cidrs {
		p, err := netip.ParsePrefix(strings.TrimSpace(c))
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR %q: %w", c, err)
		}
		prefixes = append(prefixes, p)
	}
	return prefixes, nil
}

// userTable is a file-backed credential verifier and TOTP secret source. It
// stands in for the booking application's real account service, which sits
// behind the gateway's CredentialVerifier boundary in production.
type userTable struct {
	users map[string]userEntry
}

type userEntry struct {
	UserID      string `json:"user_id"`
	PasswordSHA string `json:"password_sha256"`
	TOTPSecret  string `json:"totp_secret,omitempty"`
}

func loadUsers(path string) (*userTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var users map[string]userEntry
	if err := json.Unmarshal(data, &users); err != nil {
		return nil, err
	}
	return &userTable{users: users}, nil
}

func (u *userTable) Verify(ctx context.Context, username, password string) (string, bool, error) {
	entry, ok := u.users[username]
	if !ok {
		return "", false, nil
	}
	sum := sha256.Sum256([]byte(password))
	supplied := fmt.Sprintf("%x", sum)
	if subtle.ConstantTimeCompare([]byte(supplied), []byte(entry.PasswordSHA)) != 1 {
		return "", false, nil
	}
	return entry.UserID, true, nil
}

func (u *userTable) TOTPSecret(ctx context.Context, userID string) (string, error) {
	for _, entry := range u.users {
		if entry.UserID == userID {
			return entry.TOTPSecret, nil
		}
	}
	return "", nil
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().IntVarP(&port, "port", "p", 8080, "Port to listen on")
	serverCmd.Flags().StringVar(&dataDir, "data-dir", "./data", "Directory for the embedded session store")
	serverCmd.Flags().StringVar(&postgresDSN, "postgres-dsn", "", "PostgreSQL DSN for the session store (overrides --data-dir)")
	serverCmd.Flags().StringVar(&usersFile, "users-file", "./users.json", "JSON file of demo users")
	serverCmd.Flags().StringSliceVar(&allowedOrigins, "allowed-origins", nil, "CORS origin allow-list")
	serverCmd.Flags().StringSliceVar(&trustedProxies, "trusted-proxies", nil, "CIDR ranges whose proxy headers are trusted")
	serverCmd.Flags().DurationVar(&sessionTTL, "session-ttl", 24*time.Hour, "Absolute session lifetime")
	serverCmd.Flags().IntVar(&lockThreshold, "2fa-lock-threshold", 5, "Consecutive 2FA failures before lockout")
	serverCmd.Flags().DurationVar(&lockCooldown, "2fa-lock-cooldown", 5*time.Minute, "2FA lockout duration")
	serverCmd.Flags().IntVar(&rateMax, "rate-limit", 120, "Requests per minute per IP")
	serverCmd.Flags().IntVar(&loginRateMax, "login-rate-limit", 10, "Login attempts per minute per IP")
	serverCmd.Flags().BoolVar(&enableHSTS, "hsts", false, "Send Strict-Transport-Security on secure responses")
	serverCmd.Flags().StringVar(&tlsCert, "tls-cert", "", "Path to TLS certificate file")
	serverCmd.Flags().StringVar(&tlsKey, "tls-key", "", "Path to TLS key file")
}
