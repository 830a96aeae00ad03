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

package auth

import (
	"log/slog"
	"net/http"
)

// Config holds authentication configuration for the operator API middleware.
type Config struct {
	// Enabled enables authentication processing. When false, requests pass
	// through without auth checks.
	Enabled bool

	// Required requires valid authentication for all requests. When true
	// and the user header is missing, requests are rejected.
	Required bool

	// DevMode skips all authentication checks. Never enable in production.
	DevMode bool

	// RoleChecker provides role-based access control via database lookup.
	// If nil, role-based authorization is skipped (only authentication is
	// performed).
	RoleChecker *RoleChecker
}

// NewMiddleware wraps next with the operator API's authentication and
// role-based authorization logic:
//  1. Skip entirely if DevMode or !Enabled.
//  2. Extract Info from request headers.
//  3. Reject with 401 if Required and no user is present.
//  4. Check RoleChecker.CheckAccess(roles, r.URL.Path, r.Method), reject
//     with 403 on denial.
//  5. Attach Info to the request context for handlers.
func NewMiddleware(config Config, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if config.DevMode || !config.Enabled {
				next.ServeHTTP(w, r)
				return
			}

			info := ExtractInfo(r)
			if config.Required && (info == nil || info.User == "") {
				logger.WarnContext(r.Context(), "unauthenticated operator request rejected", "path", r.URL.Path)
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}

			if config.RoleChecker != nil {
				var roles []string
				if info != nil {
					roles = info.Roles
				}
				allowed, err := config.RoleChecker.CheckAccess(r.Context(), roles, r.URL.Path, r.Method)
				if err != nil {
					logger.ErrorContext(r.Context(), "role check failed", "path", r.URL.Path, "error", err)
					http.Error(w, "authorization check failed", http.StatusInternalServerError)
					return
				}
				if !allowed {
					user := ""
					if info != nil {
						user = info.User
					}
					logger.WarnContext(r.Context(), "access denied by role check", "path", r.URL.Path, "user", user, "roles", roles)
					http.Error(w, "insufficient permissions", http.StatusForbidden)
					return
				}
			}

			if info != nil {
				r = r.WithContext(ContextWithInfo(r.Context(), info))
				logger.DebugContext(r.Context(), "authenticated operator request", "path", r.URL.Path, "user", info.User, "roles", info.Roles)
			}

			next.ServeHTTP(w, r)
		})
	}
}
