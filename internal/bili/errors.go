// BiliClaw - Bilibili Keyword Harvesting Pipeline
// Copyright 2026 The BiliClaw Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/biliclaw/biliclaw

package bili

import (
	"errors"
	"fmt"

	"github.com/biliclaw/biliclaw/internal/credential"
)

// APIError is a non-zero reason code returned inside the upstream response
// envelope. Transport failures stay ordinary errors; only envelope-level
// rejections carry a code.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("upstream code %d: %s", e.Code, e.Message)
}

// IsCredentialError reports whether err is an APIError whose code blames the
// bound credential rather than the request.
func IsCredentialError(err error) (int, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) && credential.IsCredentialCode(apiErr.Code) {
		return apiErr.Code, true
	}
	return 0, false
}
