package adapter

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v4"

	kit "pollbot/internal/transport"
)

// telebot renders unknown API errors as "telegram: <description> (<code>)".
var codeSuffix = regexp.MustCompile(`\((\d{3})\)\s*$`)

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	code := 0
	desc := err.Error()
	var te *tele.Error
	if errors.As(err, &te) {
		code, desc = te.Code, te.Description
	} else if m := codeSuffix.FindStringSubmatch(desc); m != nil {
		code, _ = strconv.Atoi(m[1])
	}
	return kit.Wrap(op, kindFor(code, desc), err)
}

func kindFor(code int, desc string) kit.ErrorKind {
	d := strings.ToLower(desc)
	switch {
	case strings.Contains(d, "retry after"), strings.Contains(d, "too many requests"):
		return kit.KindTransient
	case strings.Contains(d, "message to edit not found"),
		strings.Contains(d, "message not found"),
		strings.Contains(d, "chat not found"):
		return kit.KindNotFound
	}
	switch {
	case code == 429, code >= 500:
		return kit.KindTransient
	case code >= 400:
		return kit.KindPermanent
	}
	return kit.KindTransient
}
