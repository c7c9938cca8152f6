package permission

import (
	"testing"
	"time"

	"github.com/xela07ax/guestgate-engine/internal/domain"
)

func grant(action string, restrictions ...domain.Restriction) domain.Permission {
	return domain.Permission{Action: action, Granted: true, Restrictions: restrictions}
}

func TestCheckDefaultDeny(t *testing.T) {
	c := NewChecker()
	now := time.Now()

	s := &domain.Session{Permissions: []domain.Permission{grant("chat")}}

	if got := c.Check(s, "chat", now); got != DecisionAllowed {
		t.Errorf("granted action: got %s, want allowed", got)
	}
	// Zero Trust: нет гранта — отказ
	if got := c.Check(s, "repo.file.write", now); got != DecisionDenied {
		t.Errorf("ungranted action: got %s, want denied", got)
	}
	if got := c.Check(&domain.Session{}, "chat", now); got != DecisionDenied {
		t.Errorf("no grants at all: got %s, want denied", got)
	}
}

func TestCheckLastGrantWins(t *testing.T) {
	c := NewChecker()
	now := time.Now()

	// Пере-апрув оформляется новой записью; побеждает последняя
	s := &domain.Session{Permissions: []domain.Permission{
		{Action: "db.query.execute", Granted: true},
		{Action: "db.query.execute", Granted: false},
	}}
	if got := c.Check(s, "db.query.execute", now); got != DecisionDenied {
		t.Errorf("revoked by later record: got %s, want denied", got)
	}

	s.Permissions = append(s.Permissions, grant("db.query.execute"))
	if got := c.Check(s, "db.query.execute", now); got != DecisionAllowed {
		t.Errorf("re-granted by latest record: got %s, want allowed", got)
	}
}

func TestCheckRestrictions(t *testing.T) {
	c := NewChecker()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	cases := []struct {
		name    string
		session *domain.Session
		action  string
		want    Decision
	}{
		{
			name: "time limit not yet expired",
			session: &domain.Session{Permissions: []domain.Permission{
				grant("repo.file.read", domain.Restriction{Kind: domain.RestrictionTimeLimit, Until: &future}),
			}},
			action: "repo.file.read",
			want:   DecisionAllowed,
		},
		{
			name: "time limit expired",
			session: &domain.Session{Permissions: []domain.Permission{
				grant("repo.file.read", domain.Restriction{Kind: domain.RestrictionTimeLimit, Until: &past}),
			}},
			action: "repo.file.read",
			want:   DecisionDenied,
		},
		{
			name: "usage limit not reached",
			session: &domain.Session{
				Permissions: []domain.Permission{
					grant("doc.comment.add", domain.Restriction{Kind: domain.RestrictionUsageLimit, MaxUses: 3}),
				},
				Metadata: domain.SessionMetadata{ActionUses: map[string]int{"doc.comment.add": 2}},
			},
			action: "doc.comment.add",
			want:   DecisionAllowed,
		},
		{
			name: "usage limit exhausted",
			session: &domain.Session{
				Permissions: []domain.Permission{
					grant("doc.comment.add", domain.Restriction{Kind: domain.RestrictionUsageLimit, MaxUses: 3}),
				},
				Metadata: domain.SessionMetadata{ActionUses: map[string]int{"doc.comment.add": 3}},
			},
			action: "doc.comment.add",
			want:   DecisionDenied,
		},
		{
			name: "scope limit match",
			session: &domain.Session{Permissions: []domain.Permission{
				grant("*", domain.Restriction{Kind: domain.RestrictionScopeLimit, Scope: "repo."}),
			}},
			action: "repo.file.read",
			want:   DecisionAllowed,
		},
		{
			name: "scope limit violation",
			session: &domain.Session{Permissions: []domain.Permission{
				grant("*", domain.Restriction{Kind: domain.RestrictionScopeLimit, Scope: "repo."}),
			}},
			action: "db.query.execute",
			want:   DecisionDenied,
		},
		{
			name: "tool restriction blocks listed tool",
			session: &domain.Session{Permissions: []domain.Permission{
				grant("*", domain.Restriction{Kind: domain.RestrictionTool, Tools: []string{"db.query.execute"}}),
			}},
			action: "db.query.execute",
			want:   DecisionDenied,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := c.Check(tc.session, tc.action, now); got != tc.want {
				t.Errorf("Check(%s) = %s, want %s", tc.action, got, tc.want)
			}
		})
	}
}

func TestCheckRequiresApproval(t *testing.T) {
	c := NewChecker()
	now := time.Now()

	s := &domain.Session{
		Permissions: []domain.Permission{grant("*")},
		Settings:    domain.SessionSettings{RequireApprovalForTools: true},
	}

	// Грант есть, но tool-эвристика отправляет действие на апрув
	if got := c.Check(s, "deploy.service", now); got != DecisionRequiresApproval {
		t.Errorf("tool action: got %s, want requires_approval", got)
	}
	if got := c.Check(s, "repo.file.read", now); got != DecisionAllowed {
		t.Errorf("non-tool action: got %s, want allowed", got)
	}
}

func TestGated(t *testing.T) {
	cases := []struct {
		name     string
		content  string
		settings domain.SessionSettings
		want     bool
	}{
		{
			name:     "tool keyword with approval enabled",
			content:  "please DELETE the staging table",
			settings: domain.SessionSettings{RequireApprovalForTools: true},
			want:     true,
		},
		{
			name:     "tool keyword with approval disabled",
			content:  "please delete the staging table",
			settings: domain.SessionSettings{},
			want:     false,
		},
		{
			name:     "restricted topic case insensitive",
			content:  "what is our PRICING model?",
			settings: domain.SessionSettings{RestrictedTopics: []string{"pricing"}},
			want:     true,
		},
		{
			name:     "empty topic is ignored",
			content:  "hello there",
			settings: domain.SessionSettings{RestrictedTopics: []string{""}},
			want:     false,
		},
		{
			name:     "plain chat",
			content:  "how does the import pipeline work?",
			settings: domain.SessionSettings{RequireApprovalForTools: true, RestrictedTopics: []string{"salary"}},
			want:     false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Gated(tc.content, tc.settings); got != tc.want {
				t.Errorf("Gated(%q) = %v, want %v", tc.content, got, tc.want)
			}
		})
	}
}
