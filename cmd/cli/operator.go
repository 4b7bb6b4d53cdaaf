// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
)

var errUsage = errors.New("usage")

// operator drives the closure endpoints of a running api.
type operator struct {
	http       *resty.Client
	adminToken string
}

func newOperator(baseURL, token, adminToken string) *operator {
	hc := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(2*time.Minute).
		SetHeader("Accept", "application/json")
	if token != "" {
		hc.SetAuthToken(token)
	}
	return &operator{http: hc, adminToken: adminToken}
}

func (o *operator) call(ctx context.Context, method, path string, body any, token string) ([]byte, error) {
	req := o.http.R().SetContext(ctx)
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	if method == http.MethodPost {
		req.SetHeader("Idempotency-Key", uuid.NewString())
	}
	if token != "" {
		req.SetAuthToken(token)
	}

	resp, err := req.Execute(method, path)
	if resp != nil && resp.IsError() {
		return nil, fmt.Errorf("%s %s: %s: %s", method, path, resp.Status(), strings.TrimSpace(resp.String()))
	}
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp.Body(), nil
}

func closurePath(accountID, action string) string {
	return "/accounts/" + url.PathEscape(accountID) + "/closure/" + action
}

func runOperator(ctx context.Context, o *operator, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}

	var (
		body []byte
		err  error
	)

	switch cmd := args[0]; cmd {
	case "status":
		if len(args) != 2 {
			return errUsage
		}
		body, err = o.call(ctx, http.MethodGet, closurePath(args[1], ""), nil, "")
	case "retry", "confirm", "cancel":
		if len(args) != 2 {
			return errUsage
		}
		body, err = o.call(ctx, http.MethodPost, closurePath(args[1], cmd), nil, "")
	case "auto-retry":
		if len(args) != 3 || (args[2] != "on" && args[2] != "off") {
			return errUsage
		}
		body, err = o.call(ctx, http.MethodPost, closurePath(args[1], "auto-retry"),
			map[string]bool{"enabled": args[2] == "on"}, "")
	case "reconcile":
		if o.adminToken == "" {
			return errors.New("ADMIN_TOKEN is required for reconcile")
		}
		body, err = o.call(ctx, http.MethodPost, "/admin/closures/reconcile", nil, o.adminToken)
	default:
		return errUsage
	}
	if err != nil {
		return err
	}

	var pretty bytes.Buffer
	if json.Indent(&pretty, body, "", "  ") != nil {
		_, err = out.Write(body)
		return err
	}
	pretty.WriteByte('\n')
	_, err = pretty.WriteTo(out)
	return err
}
