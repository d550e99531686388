// Command secretary runs the email command gateway: it polls the
// configured mailbox, executes whitelisted subject-line commands
// (diary entries, weekly reports), and replies over SMTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nhle/secretary/internal/command"
	"github.com/nhle/secretary/internal/credential"
	"github.com/nhle/secretary/internal/diary"
	"github.com/nhle/secretary/internal/filter"
	"github.com/nhle/secretary/internal/gateway"
	"github.com/nhle/secretary/internal/logging"
	"github.com/nhle/secretary/internal/mail"
	"github.com/nhle/secretary/internal/model"
	"github.com/nhle/secretary/internal/retry"
)

func main() {
	configPath := flag.String("config", model.DefaultConfigPath(), "path to config.yaml")
	once := flag.Bool("once", false, "run a single processing cycle and exit")
	setCred := flag.String("set-credential", "",
		"store a secret (imap_pass or smtp_pass) in the system keyring; the value is read from stdin")
	delCred := flag.String("delete-credential", "",
		"remove a secret (imap_pass or smtp_pass) from the system keyring")
	flag.Parse()

	if *setCred != "" || *delCred != "" {
		if err := manageCredential(*setCred, *delCred, os.Stdin); err != nil {
			fmt.Fprintln(os.Stderr, "secretary:", err)
			os.Exit(1)
		}
		return
	}

	if err := run(*configPath, *once); err != nil {
		fmt.Fprintln(os.Stderr, "secretary:", err)
		os.Exit(1)
	}
}

// credentialKeys are the keyring entries the gateway knows how to read
// back at startup.
var credentialKeys = map[string]bool{
	"imap_pass": true,
	"smtp_pass": true,
}

// manageCredential handles the -set-credential and -delete-credential
// flows. For set, the secret is read from in so it never appears in the
// process argument list.
func manageCredential(setKey, deleteKey string, in io.Reader) error {
	switch {
	case setKey != "" && deleteKey != "":
		return fmt.Errorf("use only one of -set-credential and -delete-credential")
	case setKey != "":
		if !credentialKeys[setKey] {
			return fmt.Errorf("unknown credential key %q (want imap_pass or smtp_pass)", setKey)
		}
		value, err := readSecret(in)
		if err != nil {
			return err
		}
		return credential.Set(setKey, value)
	case deleteKey != "":
		if !credentialKeys[deleteKey] {
			return fmt.Errorf("unknown credential key %q (want imap_pass or smtp_pass)", deleteKey)
		}
		return credential.Delete(deleteKey)
	}
	return nil
}

// readSecret reads a single secret value, dropping the trailing newline
// a shell pipe or interactive entry leaves behind.
func readSecret(r io.Reader) (string, error) {
	data, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil {
		return "", fmt.Errorf("reading secret: %w", err)
	}
	value := strings.TrimRight(string(data), "\r\n")
	if value == "" {
		return "", fmt.Errorf("empty secret")
	}
	return value, nil
}

func run(configPath string, once bool) error {
	cfg, err := model.LoadConfig(configPath)
	if err != nil {
		return err
	}

	log := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	cfg.IMAPPass = resolveSecret(cfg.IMAPPass, "imap_pass", "IMAP_PASS")
	cfg.SMTPPass = resolveSecret(cfg.SMTPPass, "smtp_pass", "SMTP_PASS")
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	store, err := diary.NewSQLiteStore(cfg.DiaryDBPath)
	if err != nil {
		return fmt.Errorf("opening diary store: %w", err)
	}
	defer store.Close()

	imapClient := mail.NewIMAPClient(mail.IMAPConfig{
		Host:          cfg.IMAPHost,
		Port:          cfg.IMAPPort,
		Username:      cfg.IMAPUser,
		Password:      cfg.IMAPPass,
		TLS:           cfg.UseTLS,
		DialTimeout:   cfg.OperationTimeout(),
		SearchTimeout: cfg.SearchTimeout(),
	})
	smtpSender := mail.NewSMTPSender(mail.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUser,
		Password: cfg.SMTPPass,
		TLS:      cfg.UseTLS,
	})

	policy := retry.DefaultPolicy()
	policy.MaxAttempts = cfg.MaxRetries
	if cfg.BackoffBaseSeconds > 0 {
		policy.InitialInterval = time.Duration(cfg.BackoffBaseSeconds) * time.Second
	}

	gw := gateway.New(gateway.Options{
		Mailbox:          imapClient,
		Sender:           smtpSender,
		Rules:            filter.NewRules(cfg.AllowedSenders, cfg.AllowedSubjectPrefixes),
		Parser:           command.NewParser(command.DefaultPrefixes()),
		Dispatcher:       gateway.NewDispatcher(store),
		Policy:           policy,
		OperationTimeout: cfg.OperationTimeout(),
		PollInterval:     cfg.PollInterval(),
		NotifyFailures:   cfg.NotifyFailures,
		Logger:           log,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if once {
		summary, err := gw.ProcessOnce(ctx)
		if err != nil {
			return err
		}
		log.Info("done",
			"fetched", summary.Fetched,
			"whitelisted", summary.Whitelisted,
			"dispatched", summary.Dispatched,
			"succeeded", summary.Succeeded,
			"failed", summary.Failed,
		)
		return nil
	}

	return gw.Run(ctx)
}

// resolveSecret picks the first available credential source: explicit
// config value, system keyring, then environment variable.
func resolveSecret(configured, keyringKey, envVar string) string {
	if configured != "" {
		return configured
	}
	if v, err := credential.Get(keyringKey); err == nil && v != "" {
		return v
	}
	return os.Getenv(envVar)
}
