// Command icesmtpd runs the authenticated SMTP submission server: an
// Acceptor bound to a TLS listener, dispatching accepted connections
// across an I/O Executor, backed by a Worker Executor for blocking
// auth/commit work and a database connection pool for persistence.
//
// Configuration file parsing and certificate/key loading are out of
// scope for the core engine (see spec.md) — this command wires flags
// directly to the loaded TLS material and connection parameters the
// core expects.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/icesmtpd/icesmtpd"
	"github.com/icesmtpd/icesmtpd/auth"
	"github.com/icesmtpd/icesmtpd/dbpool"
	"github.com/icesmtpd/icesmtpd/ioexec"
	"github.com/icesmtpd/icesmtpd/mem"
	"github.com/icesmtpd/icesmtpd/store"
	"github.com/icesmtpd/icesmtpd/workerpool"
)

// sniCertFlag collects repeated -sni-cert flags of the form
// "servername:certfile:keyfile" for multi-domain TLS termination.
type sniCertFlag []sniCertEntry

type sniCertEntry struct {
	serverName string
	certFile   string
	keyFile    string
}

func (f *sniCertFlag) String() string {
	if f == nil {
		return ""
	}
	parts := make([]string, len(*f))
	for i, e := range *f {
		parts[i] = e.serverName + ":" + e.certFile + ":" + e.keyFile
	}
	return strings.Join(parts, ",")
}

func (f *sniCertFlag) Set(value string) error {
	parts := strings.SplitN(value, ":", 3)
	if len(parts) != 3 {
		return fmt.Errorf("sni-cert must be servername:certfile:keyfile, got %q", value)
	}
	*f = append(*f, sniCertEntry{serverName: parts[0], certFile: parts[1], keyFile: parts[2]})
	return nil
}

func main() {
	var sniCerts sniCertFlag
	var (
		listenAddr       = flag.String("listen", ":2525", "address to listen on")
		serverHostname   = flag.String("hostname", "mail.localhost", "hostname announced in the greeting")
		certFile         = flag.String("cert", "", "TLS certificate file (implicit TLS if -tls-immediate)")
		keyFile          = flag.String("key", "", "TLS key file")
		tlsImmediate     = flag.Bool("tls-immediate", false, "require TLS from connection start (SMTPS) instead of STARTTLS")
		requireAuth      = flag.Bool("require-auth", true, "require AUTH before MAIL FROM is accepted")
		dsn              = flag.String("db-dsn", "", "PostgreSQL connection string")
		dbInitialSize    = flag.Int("db-initial-size", 2, "initial database pool size")
		dbMaxSize        = flag.Int("db-max-size", 10, "maximum database pool size")
		dbIdleTimeout    = flag.Duration("db-idle-timeout", 5*time.Minute, "idle connection eviction timeout")
		ioThreads        = flag.Int("io-threads", 4, "I/O executor shard count")
		workerThreads    = flag.Int("worker-threads", 8, "worker executor thread count")
		maxConnections   = flag.Int("max-connections", 0, "maximum concurrent connections (0 = unlimited)")
	)
	flag.Var(&sniCerts, "sni-cert", "additional servername:certfile:keyfile for SNI-based certificate selection (repeatable); requires -cert/-key as the default certificate")
	flag.Parse()

	logger := icesmtp.NewStdLogger(os.Stdout, icesmtp.LogLevelInfo)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	listener, err := net.Listen("tcp", *listenAddr)
	if err != nil {
		log.Fatalf("listen: %v", err)
	}

	tlsPolicy := icesmtp.TLSOptional
	var tlsProvider icesmtp.TLSProvider
	if *certFile != "" && *keyFile != "" {
		policy := icesmtp.TLSOptional
		if *tlsImmediate {
			policy = icesmtp.TLSImmediate
		}

		var provider icesmtp.TLSProvider
		if len(sniCerts) > 0 {
			sni := icesmtp.NewSNITLSProvider(policy)
			defaultCert, err := tls.LoadX509KeyPair(*certFile, *keyFile)
			if err != nil {
				log.Fatalf("loading default TLS material: %v", err)
			}
			sni.SetDefaultCertificate(defaultCert)
			for _, e := range sniCerts {
				if err := sni.AddCertificateFromFiles(e.serverName, e.certFile, e.keyFile); err != nil {
					log.Fatalf("loading SNI certificate for %s: %v", e.serverName, err)
				}
			}
			provider = sni
		} else {
			static, err := icesmtp.NewStaticTLSProviderFromFiles(*certFile, *keyFile, policy)
			if err != nil {
				log.Fatalf("loading TLS material: %v", err)
			}
			provider = static
		}
		tlsProvider = provider
		tlsPolicy = policy

		if *tlsImmediate {
			config, err := provider.GetConfig(ctx, nil)
			if err != nil {
				log.Fatalf("TLS config: %v", err)
			}
			listener = tls.NewListener(listener, config)
		}
	} else {
		tlsPolicy = icesmtp.TLSDisabled
	}

	if *dsn == "" {
		log.Fatalf("-db-dsn is required")
	}

	pool, err := dbpool.New(ctx, dbpool.Config{
		DSN:         *dsn,
		InitialSize: *dbInitialSize,
		MaxSize:     *dbMaxSize,
		IdleTimeout: *dbIdleTimeout,
		Logger:      logger,
	})
	if err != nil {
		log.Fatalf("database pool: %v", err)
	}
	defer pool.Close()

	workers := workerpool.New(*workerThreads, 256, logger)
	workers.Start()
	defer workers.Stop(true)

	ioPool := ioexec.New(*ioThreads, 256, logger)
	ioPool.Start()

	authenticator := auth.NewDBAuthenticator(pool)
	messageStore := store.New(pool, logger)

	mailbox := mem.NewMailboxWithDomains(*serverHostname)
	mailbox.SetCatchAll(true)

	config := icesmtp.SessionConfig{
		ServerHostname: *serverHostname,
		Limits:         icesmtp.DefaultSessionLimits(),
		TLSPolicy:      tlsPolicy,
		TLSProvider:    tlsProvider,
		Mailbox:        mailbox,
		Authenticator:  authenticator,
		RequireAuth:    *requireAuth,
		Storage:        messageStore,
		WorkerExecutor: workers,
		Extensions: icesmtp.ExtensionSet{
			STARTTLS:            tlsPolicy == icesmtp.TLSOptional || tlsPolicy == icesmtp.TLSRequired,
			SIZE:                true,
			EightBitMIME:        true,
			PIPELINING:          true,
			ENHANCEDSTATUSCODES: true,
			AUTH:                true,
			HELP:                true,
		},
		Logger: logger,
	}

	var acceptorOpts []icesmtp.AcceptorOption
	acceptorOpts = append(acceptorOpts, icesmtp.WithAcceptorLogger(logger))
	if *maxConnections > 0 {
		acceptorOpts = append(acceptorOpts, icesmtp.WithConnectionPolicy(icesmtp.NewMaxConnectionsPolicy(*maxConnections)))
	}

	acceptor := icesmtp.NewAcceptor(listener, ioPool, config, acceptorOpts...)
	if err := acceptor.Start(ctx); err != nil {
		log.Fatalf("starting acceptor: %v", err)
	}

	logger.Info(ctx, "icesmtpd listening", icesmtp.Attr("addr", *listenAddr))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info(ctx, "shutting down")
	if err := acceptor.Stop(icesmtp.StopGraceful); err != nil {
		log.Printf("shutdown: %v", err)
	}
}
