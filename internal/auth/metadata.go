/*
SPDX-FileCopyrightText: Copyright (c) 2025 NVIDIA CORPORATION. All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.

SPDX-License-Identifier: Apache-2.0
*/

// Package auth provides role-based access control for the operator HTTP
// surface cmd/sessiond exposes alongside the glasses/app websocket
// endpoints (session listing, session detail, forced eviction). The
// websocket endpoints authenticate by JWT via internal/wsauth and never go
// through this package — this is strictly for the operator-facing API.
//
// Headers are set by the fronting proxy after it validates the operator's
// own credential, mirroring the upstream gateway's role-header convention.
package auth

import (
	"context"
	"net/http"
	"slices"
	"strings"
)

// Header names the fronting proxy is expected to set after authenticating
// the operator.
const (
	// HeaderUser contains the authenticated operator's identity.
	HeaderUser = "X-Session-User"
	// HeaderRoles contains the operator's comma-separated role names.
	HeaderRoles = "X-Session-Roles"
)

// Well-known role names.
const (
	// RoleAdmin grants full access to the operator API.
	RoleAdmin = "session-admin"
	// RoleDefault is automatically added to every authenticated operator.
	RoleDefault = "session-default"
)

// Info contains extracted authentication information from a request.
type Info struct {
	// User is the authenticated operator identity.
	User string
	// Roles are the role names assigned to the operator.
	Roles []string
}

// HasRole checks if the operator has a specific role.
func (i *Info) HasRole(role string) bool {
	return slices.Contains(i.Roles, role)
}

// IsAdmin checks if the operator has admin privileges.
func (i *Info) IsAdmin() bool {
	return i.HasRole(RoleAdmin)
}

type contextKey string

const infoKey contextKey = "authInfo"

// InfoFromContext retrieves Info from the context.
func InfoFromContext(ctx context.Context) (*Info, bool) {
	info, ok := ctx.Value(infoKey).(*Info)
	return info, ok
}

// ContextWithInfo adds Info to the context.
func ContextWithInfo(ctx context.Context, info *Info) context.Context {
	return context.WithValue(ctx, infoKey, info)
}

// ExtractInfo extracts authentication information from request headers.
// Returns nil if the user header is absent (auth may be disabled upstream).
func ExtractInfo(r *http.Request) *Info {
	user := strings.TrimSpace(r.Header.Get(HeaderUser))
	if user == "" {
		return nil
	}

	info := &Info{User: user}
	if roles := r.Header.Get(HeaderRoles); roles != "" {
		for _, role := range strings.Split(roles, ",") {
			if trimmed := strings.TrimSpace(role); trimmed != "" {
				info.Roles = append(info.Roles, trimmed)
			}
		}
	}
	return info
}
