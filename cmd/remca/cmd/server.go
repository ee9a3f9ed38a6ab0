package cmd

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/dwhitlock/remca/api"
	"github.com/dwhitlock/remca/ca"
	"github.com/dwhitlock/remca/ocsp"
	"github.com/dwhitlock/remca/revocation"
	"github.com/dwhitlock/remca/vault"
	azurevault "github.com/dwhitlock/remca/vault/azure"
	"github.com/dwhitlock/remca/vault/memory"
)

var (
	port         int
	backend      string
	vaultURL     string
	issuerName   string
	ocspCertName string
	ocspValidity time.Duration
	cachePath    string
	sharedTTL    time.Duration
	localTTL     time.Duration
)

// demoLocator names the in-process vault of the memory backend.
const demoLocator = "https://demo.vault.local"

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the certificate authority server",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
		ctx := cmd.Context()

		var (
			client  vault.Client
			signer  vault.Signer
			locator string
		)
		switch backend {
		case "memory":
			v := memory.New(demoLocator)
			client, signer, locator = v, v, demoLocator
		case "azure":
			if vaultURL == "" {
				return fmt.Errorf("--vault-url is required with the azure backend")
			}
			cred, err := azidentity.NewDefaultAzureCredential(nil)
			if err != nil {
				return fmt.Errorf("building Azure credential: %w", err)
			}
			azClient, err := azurevault.NewClient(vaultURL, cred)
			if err != nil {
				return fmt.Errorf("connecting to vault: %w", err)
			}
			client, signer, locator = azClient, azurevault.NewSigner(cred), azClient.Locator()
		default:
			return fmt.Errorf("unknown backend %q, want memory or azure", backend)
		}

		orch := ca.NewOrchestrator(client, signer, ca.WithLogger(logger))
		provider := ca.NewProvider(orch)

		var shared revocation.Cache
		if cachePath != "" {
			boltCache, err := revocation.NewBoltCacheFromFile(cachePath, nil)
			if err != nil {
				return fmt.Errorf("opening revocation cache: %w", err)
			}
			defer boltCache.Close()
			shared = boltCache
		} else {
			shared = revocation.NewMemoryCache()
		}
		store := revocation.NewCachedStore(
			revocation.NewTagStore(client),
			shared,
			revocation.WithSharedTTL(sharedTTL),
			revocation.WithLocalTTL(localTTL),
		)

		issuerCert, ocspCert, err := resolveResponderCerts(ctx, client, provider, locator, backend == "memory")
		if err != nil {
			return err
		}
		responder, err := ocsp.NewResponder(store, signer,
			vault.NewReference(locator, ocspCertName),
			ocspCert, issuerCert,
			ocsp.WithValidity(ocspValidity),
			ocsp.WithLogger(logger),
		)
		if err != nil {
			return fmt.Errorf("building OCSP responder: %w", err)
		}

		a := api.New(provider, store, responder, locator, api.WithLogger(logger))

		r := chi.NewRouter()
		r.Use(middleware.RequestID)
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)

		r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("OK"))
		})
		r.Mount("/", a.Router())

		server := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		// Graceful shutdown on SIGINT/SIGTERM.
		done := make(chan error, 1)
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		logger.Info("server started", "port", port, "backend", backend)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			logger.Info("shutting down", "signal", sig.String())
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

// resolveResponderCerts loads the issuing CA and OCSP signing certificates.
// The memory backend starts empty, so it bootstraps both; a real vault is
// expected to already hold them under the configured names.
func resolveResponderCerts(ctx context.Context, client vault.Client, provider *ca.Provider, locator string, bootstrap bool) (issuer, responder *x509.Certificate, err error) {
	if bootstrap {
		now := time.Now().UTC()
		rootRef := vault.NewReference(locator, issuerName)
		root, err := provider.CreateRoot(ctx, rootRef,
			"CN=Remca Demo Root CA,O=Remca",
			now, now.AddDate(10, 0, 0),
			vault.KeyPolicy{Kind: vault.KeyKindEC, Curve: "P-256"},
		)
		if err != nil {
			return nil, nil, fmt.Errorf("bootstrapping root CA: %w", err)
		}
		signing, err := provider.IssueLeaf(ctx, rootRef,
			vault.NewReference(locator, ocspCertName),
			"CN=Remca Demo OCSP Responder,O=Remca",
			now, now.AddDate(1, 0, 0),
			ca.SubjectAltNames{},
		)
		if err != nil {
			return nil, nil, fmt.Errorf("bootstrapping OCSP signing certificate: %w", err)
		}
		return root.Certificate, signing.Certificate, nil
	}

	issuer, err = loadCertificate(ctx, client, issuerName)
	if err != nil {
		return nil, nil, fmt.Errorf("loading issuer certificate %q: %w", issuerName, err)
	}
	responder, err = loadCertificate(ctx, client, ocspCertName)
	if err != nil {
		return nil, nil, fmt.Errorf("loading OCSP signing certificate %q: %w", ocspCertName, err)
	}
	return issuer, responder, nil
}

func loadCertificate(ctx context.Context, client vault.Client, name string) (*x509.Certificate, error) {
	stored, err := client.GetCertificate(ctx, name, "")
	if err != nil {
		return nil, err
	}
	return x509.ParseCertificate(stored.DER)
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().IntVarP(&port, "port", "p", 8080, "Port to listen on")
	serverCmd.Flags().StringVar(&backend, "backend", "memory", "Vault backend: memory or azure")
	serverCmd.Flags().StringVar(&vaultURL, "vault-url", "", "Key vault URL (azure backend)")
	serverCmd.Flags().StringVar(&issuerName, "issuer", "root-ca", "Vault name of the issuing CA certificate")
	serverCmd.Flags().StringVar(&ocspCertName, "ocsp-cert", "ocsp-responder", "Vault name of the OCSP signing certificate")
	serverCmd.Flags().DurationVar(&ocspValidity, "ocsp-validity", ocsp.DefaultValidity, "Freshness window of signed OCSP responses")
	serverCmd.Flags().StringVar(&cachePath, "cache-path", "", "Path to the persistent revocation cache (defaults to in-memory)")
	serverCmd.Flags().DurationVar(&sharedTTL, "shared-cache-ttl", revocation.DefaultSharedTTL, "TTL of the shared revocation cache tier")
	serverCmd.Flags().DurationVar(&localTTL, "local-cache-ttl", revocation.DefaultLocalTTL, "TTL of the per-process revocation cache tier")
}
