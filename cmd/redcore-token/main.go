// redcore-token obtains a refresh token for web/script applications: it prints
// the authorize URL, waits for the browser redirect on a loopback listener and
// exchanges the delivered code. The application's redirect URI must point to
// http://<listen>/auth_callback.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/google/uuid"
	flags "github.com/jessevdk/go-flags"

	"github.com/redcore-go/redcore"
)

// Opts with all cli flags
type Opts struct {
	ClientID     string        `long:"client-id" env:"REDCORE_CLIENT_ID" required:"true" description:"OAuth2 client id"`
	ClientSecret string        `long:"client-secret" env:"REDCORE_CLIENT_SECRET" required:"true" description:"OAuth2 client secret"`
	Scopes       []string      `long:"scope" default:"identity" description:"requested scope, can be repeated"`
	Listen       string        `long:"listen" env:"REDCORE_LISTEN" default:"localhost:65010" description:"callback listen address"`
	UserAgent    string        `long:"user-agent" env:"REDCORE_USER_AGENT" default:"redcore-token refresh token helper" description:"user agent for api calls"`
	Timeout      time.Duration `long:"timeout" default:"5m" description:"how long to wait for the callback"`
	Dbg          bool          `long:"dbg" env:"DEBUG" description:"debug mode"`
}

var revision = "unknown"

func main() {
	fmt.Printf("redcore-token %s\n", revision)

	var opts Opts
	if _, err := flags.Parse(&opts); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
	setupLog(opts.Dbg)

	if err := run(opts); err != nil {
		log.Printf("[ERROR] failed, %v", err)
		os.Exit(1)
	}
}

func run(opts Opts) error {
	requestor, err := redcore.NewRequestor(redcore.RequestorParams{UserAgent: opts.UserAgent})
	if err != nil {
		return err
	}
	defer requestor.Close()

	redirectURI := fmt.Sprintf("http://%s/auth_callback", opts.Listen)
	authenticator, err := redcore.NewTrustedAuthenticator(requestor, opts.ClientID, opts.ClientSecret, redirectURI)
	if err != nil {
		return err
	}
	authorizer, err := redcore.NewTokenAuthorizer(authenticator, "")
	if err != nil {
		return err
	}

	state := uuid.New().String()
	authURL, err := authenticator.AuthorizeURL("permanent", opts.Scopes, state, false)
	if err != nil {
		return err
	}
	fmt.Printf("open the following URL in a browser and allow access:\n\n  %s\n\n", authURL)

	ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
	defer cancel()

	code, err := waitForCode(ctx, opts.Listen, state)
	if err != nil {
		return err
	}
	if err = authorizer.Authorize(ctx, code); err != nil {
		return err
	}

	fmt.Printf("refresh token: %s\n", authorizer.RefreshToken())
	return nil
}

// waitForCode runs a loopback server until the authorize redirect delivers the
// code or ctx expires. The state from the redirect must match ours.
func waitForCode(ctx context.Context, listen, state string) (string, error) {
	type result struct {
		code string
		err  error
	}
	resCh := make(chan result, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/auth_callback", func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		switch {
		case query.Get("error") != "":
			http.Error(w, query.Get("error"), http.StatusBadRequest)
			resCh <- result{err: fmt.Errorf("authorization rejected: %s", query.Get("error"))}
		case query.Get("state") != state:
			http.Error(w, "state mismatch", http.StatusBadRequest)
			resCh <- result{err: fmt.Errorf("state mismatch in callback")}
		default:
			fmt.Fprintln(w, "all done, check the terminal")
			resCh <- result{code: query.Get("code")}
		}
	})

	srv := &http.Server{Addr: listen, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			resCh <- result{err: err}
		}
	}()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
		defer shutdownCancel()
		if e := srv.Shutdown(shutdownCtx); e != nil {
			log.Printf("[WARN] callback server shutdown failed, %v", e)
		}
	}()

	log.Printf("[INFO] waiting for callback on %s", listen)
	select {
	case res := <-resCh:
		return res.code, res.err
	case <-ctx.Done():
		return "", fmt.Errorf("timed out waiting for authorization callback")
	}
}

func setupLog(dbg bool) {
	if dbg {
		log.Setup(log.Debug, log.CallerFile, log.Msec, log.LevelBraces)
		return
	}
	log.Setup(log.Msec, log.LevelBraces)
}
