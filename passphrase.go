package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"syscall"

	"golang.org/x/term"

	"credwrap/internal/config"
)

// zeroBytes overwrites a byte slice with zeros
func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}

func getPassphrase(prompt string) ([]byte, error) {
	if envPass := os.Getenv(config.PassphraseEnv); envPass != "" {
		return []byte(envPass), nil
	}
	return readHidden(prompt)
}

// getPassphraseWithConfirm asks twice; it is used when a store is created.
func getPassphraseWithConfirm(prompt, confirmPrompt string) ([]byte, error) {
	if envPass := os.Getenv(config.PassphraseEnv); envPass != "" {
		return []byte(envPass), nil
	}

	passphrase, err := readHidden(prompt)
	if err != nil {
		return nil, err
	}
	confirm, err := readHidden(confirmPrompt)
	if err != nil {
		zeroBytes(passphrase)
		return nil, err
	}
	defer zeroBytes(confirm)

	if !bytes.Equal(passphrase, confirm) {
		zeroBytes(passphrase)
		return nil, fmt.Errorf("passphrases do not match")
	}
	return passphrase, nil
}

// askTerminal is the human prompter for child requests. Answers are read
// without echo: most of them are credentials.
func askTerminal(ctx context.Context, prompt string) (string, error) {
	answer, err := readHidden(prompt + ": ")
	if err != nil {
		return "", err
	}
	return string(answer), nil
}

// readHidden reads one line from the terminal without echo. The prompt goes
// to stderr.
func readHidden(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)

	var line []byte
	var err error

	if term.IsTerminal(int(syscall.Stdin)) {
		line, err = term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
	} else {
		// STDIN is piped, try the controlling terminal
		tty, ttyErr := os.Open("/dev/tty")
		if ttyErr != nil {
			return nil, errors.New("cannot read input: STDIN is piped and /dev/tty is not available")
		}
		defer tty.Close()

		line, err = term.ReadPassword(int(tty.Fd()))
		fmt.Fprintln(os.Stderr)
	}

	if err != nil {
		return nil, err
	}
	return line, nil
}
