package wskit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/fgrzl/claims"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	ScopeAllProjects = "pubsublite::*"
	ScopePrefix      = "pubsublite::"
)

func NewClientMuxerSession() MuxerSession {
	return &muxerSession{allowAll: true}
}

// NewServerMuxerSession derives the projects a connection may touch from the
// principal's scopes.
func NewServerMuxerSession(principal claims.Principal) (MuxerSession, error) {
	allowedProjects := make(map[string]struct{})

	for _, raw := range principal.Scopes() {
		for _, scope := range strings.FieldsFunc(raw, isScopeSeparator) {
			if scope == ScopeAllProjects {
				return &muxerSession{allowAll: true}, nil
			}

			if strings.HasPrefix(scope, ScopePrefix) {
				project := strings.TrimPrefix(scope, ScopePrefix)
				if project == "" || strings.Contains(project, "/") {
					slog.Warn("ignoring invalid project scope", "scope", scope)
					continue
				}
				allowedProjects[project] = struct{}{}
			}
		}
	}

	if len(allowedProjects) == 0 {
		return nil, fmt.Errorf("invalid scope: expected %q or %q{project}", ScopeAllProjects, ScopePrefix)
	}

	return &muxerSession{
		allowAll:        false,
		allowedProjects: allowedProjects,
	}, nil
}

func isScopeSeparator(r rune) bool {
	return r == ' ' || r == ','
}

type MuxerSession interface {
	CanAccessProject(project string) bool
	AllowedProjects() []string
	AllowAllProjects() bool
}

type muxerSession struct {
	allowAll        bool
	allowedProjects map[string]struct{}
}

func (s *muxerSession) CanAccessProject(project string) bool {
	if s.allowAll {
		return true
	}
	_, ok := s.allowedProjects[project]
	return ok
}

func (s *muxerSession) AllowedProjects() []string {
	if s.allowAll {
		return nil // semantically means all
	}
	projects := make([]string, 0, len(s.allowedProjects))
	for project := range s.allowedProjects {
		projects = append(projects, project)
	}
	return projects
}

func (s *muxerSession) AllowAllProjects() bool {
	return s.allowAll
}

type sessionKey struct{}

func WithSession(ctx context.Context, session MuxerSession) context.Context {
	return context.WithValue(ctx, sessionKey{}, session)
}

func SessionFrom(ctx context.Context) (MuxerSession, bool) {
	session, ok := ctx.Value(sessionKey{}).(MuxerSession)
	return session, ok
}

// Authorize checks project against the session carried by ctx. Streams that
// did not arrive over an authenticated websocket carry no session and are
// allowed.
func Authorize(ctx context.Context, project string) error {
	session, ok := SessionFrom(ctx)
	if !ok || session.CanAccessProject(project) {
		return nil
	}
	return status.Error(codes.PermissionDenied, fmt.Sprintf("project %q is not in scope", project))
}
