package couchcore

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pior/couchcore/mcbp"
)

// Mechanism is a SASL mechanism the client can speak.
type Mechanism int

const (
	MechanismPlain Mechanism = iota
	MechanismCramMD5
)

func (m Mechanism) String() string {
	switch m {
	case MechanismCramMD5:
		return "CRAM-MD5"
	default:
		return "PLAIN"
	}
}

// mechanismPriority lists supported mechanisms strongest first.
var mechanismPriority = []Mechanism{MechanismCramMD5, MechanismPlain}

const (
	// DefaultSASLTimeout bounds the whole handshake of one connection.
	DefaultSASLTimeout = 2500 * time.Millisecond

	maxSASLSteps = 4
)

var errSASLStepsExhausted = errors.New("sasl: step limit exhausted")

// Credentials authenticate a connection. They are never logged.
type Credentials struct {
	Username string
	Password string
}

// String keeps credentials out of logs and error messages.
func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{Username: %q, Password: <redacted>}", c.Username)
}

// chooseMechanism applies the priority rule to the mechanisms advertised by
// the server. Names are matched exactly. PLAIN is the fallback even when the
// server does not list it.
func chooseMechanism(advertised []string) Mechanism {
	offered := make(map[string]bool, len(advertised))
	for _, name := range advertised {
		offered[strings.ToUpper(name)] = true
	}
	for _, m := range mechanismPriority {
		if offered[m.String()] {
			return m
		}
	}
	return MechanismPlain
}

func listMechanisms(ctx context.Context, conn *Connection) ([]string, error) {
	resp, err := conn.RoundTrip(ctx, mcbp.NewRequest(mcbp.OpSASLListMechs, nil, nil, nil))
	if err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}
	return strings.Fields(string(resp.Body)), nil
}

// saslSession lives for the setup phase of one connection.
type saslSession struct {
	mech  Mechanism
	creds Credentials
	step  int
}

func (s *saslSession) initial() []byte {
	if s.mech == MechanismCramMD5 {
		return nil
	}
	body := make([]byte, 0, 2+len(s.creds.Username)+len(s.creds.Password))
	body = append(body, 0)
	body = append(body, s.creds.Username...)
	body = append(body, 0)
	body = append(body, s.creds.Password...)
	return body
}

func (s *saslSession) respond(challenge []byte) ([]byte, error) {
	if s.mech != MechanismCramMD5 {
		return nil, fmt.Errorf("sasl: unexpected challenge for %s", s.mech)
	}
	mac := hmac.New(md5.New, []byte(s.creds.Password))
	mac.Write(challenge)
	digest := hex.EncodeToString(mac.Sum(nil))
	return []byte(s.creds.Username + " " + digest), nil
}

func (s *saslSession) run(ctx context.Context, conn *Connection) error {
	name := []byte(s.mech.String())
	req := mcbp.NewRequest(mcbp.OpSASLAuth, name, nil, s.initial())

	for {
		s.step++
		if s.step > maxSASLSteps {
			return errSASLStepsExhausted
		}

		resp, err := conn.RoundTrip(ctx, req)
		if err != nil {
			return err
		}

		switch resp.Status {
		case mcbp.StatusSuccess:
			return nil
		case mcbp.StatusAuthContinue:
			body, err := s.respond(resp.Body)
			if err != nil {
				return err
			}
			req = mcbp.NewRequest(mcbp.OpSASLStep, name, nil, body)
		default:
			return resp.Err()
		}
	}
}

// authenticate runs the SASL exchange and bucket selection on a fresh
// connection. Any failure is an *AuthenticationError and the caller must
// discard the connection.
func authenticate(ctx context.Context, conn *Connection, creds Credentials, bucket string, logger *slog.Logger) error {
	if creds.Username == "" && bucket == "" {
		return nil
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultSASLTimeout)
		defer cancel()
	}

	if creds.Username == "" {
		creds.Username = bucket
	}

	mech := MechanismPlain
	advertised, err := listMechanisms(ctx, conn)
	switch {
	case err != nil:
		logger.Warn("couchcore: SASL mechanism query failed, falling back to PLAIN", "node", conn.Addr(), "error", err)
	case len(advertised) == 0:
		logger.Warn("couchcore: server advertised no SASL mechanisms, falling back to PLAIN", "node", conn.Addr())
	default:
		mech = chooseMechanism(advertised)
	}

	session := &saslSession{mech: mech, creds: creds}
	if err := session.run(ctx, conn); err != nil {
		return &AuthenticationError{Addr: conn.Addr(), Mechanism: mech.String(), Err: err}
	}

	if bucket != "" && bucket != creds.Username {
		resp, err := conn.RoundTrip(ctx, mcbp.NewRequest(mcbp.OpSelectBucket, []byte(bucket), nil, nil))
		if err == nil {
			err = resp.Err()
		}
		if err != nil {
			return &AuthenticationError{Addr: conn.Addr(), Err: fmt.Errorf("select bucket %q: %w", bucket, err)}
		}
	}

	logger.Debug("couchcore: connection authenticated", "node", conn.Addr(), "mechanism", mech.String())
	return nil
}
