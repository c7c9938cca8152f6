package permission

import (
	"strings"
	"time"

	"github.com/xela07ax/guestgate-engine/internal/domain"
)

// Decision — результат проверки права на действие
type Decision string

const (
	DecisionAllowed          Decision = "allowed"
	DecisionDenied           Decision = "denied"
	DecisionRequiresApproval Decision = "requires_approval" // HITL: ждем решения хоста
)

// toolKeywords — эвристика «инструментальных» действий. Если в настройках
// сессии включен RequireApprovalForTools, совпадение отправляет действие на апрув.
var toolKeywords = []string{
	"delete", "remove", "drop",
	"execute", "deploy", "publish",
	"payment", "transfer", "purchase",
	"grant", "revoke",
}

// Checker — чистый детерминированный вычислитель прав.
// Ограничения грантов оцениваются в момент проверки, а не в момент выдачи:
// time-boxed грант истекает без записи в стор.
type Checker struct{}

func NewChecker() *Checker { return &Checker{} }

// Check возвращает allowed | denied | requiresApproval для действия в сессии.
// Default Deny (Zero Trust): нет подходящего гранта — отказ.
func (c *Checker) Check(s *domain.Session, action string, now time.Time) Decision {
	grant := lastMatching(s.Permissions, action)
	if grant == nil || !grant.Granted {
		return DecisionDenied
	}

	for _, r := range grant.Restrictions {
		switch r.Kind {
		case domain.RestrictionTimeLimit:
			if r.Until != nil && now.After(*r.Until) {
				return DecisionDenied
			}
		case domain.RestrictionUsageLimit:
			if r.MaxUses > 0 && s.Metadata.ActionUses[action] >= r.MaxUses {
				return DecisionDenied
			}
		case domain.RestrictionScopeLimit:
			if r.Scope != "" && !strings.HasPrefix(action, r.Scope) {
				return DecisionDenied
			}
		case domain.RestrictionTool:
			for _, tool := range r.Tools {
				if tool == action {
					return DecisionDenied
				}
			}
		}
	}

	// Гейтинг поверх гранта: даже разрешенное действие может требовать апрува
	if Gated(action, s.Settings) {
		return DecisionRequiresApproval
	}

	return DecisionAllowed
}

// lastMatching — побеждает последняя запись по действию (re-approval = новая
// запись, мутаций грантов нет)
func lastMatching(perms []domain.Permission, action string) *domain.Permission {
	for i := len(perms) - 1; i >= 0; i-- {
		if perms[i].Matches(action) {
			return &perms[i]
		}
	}
	return nil
}

// Gated — OR двух проверок: tool-эвристика (при включенном
// RequireApprovalForTools) и case-insensitive substring по RestrictedTopics.
// Используется и чекером (для action-строк), и Approval Gate (для контента).
func Gated(content string, st domain.SessionSettings) bool {
	lower := strings.ToLower(content)

	if st.RequireApprovalForTools {
		for _, kw := range toolKeywords {
			if strings.Contains(lower, kw) {
				return true
			}
		}
	}

	for _, topic := range st.RestrictedTopics {
		if topic == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(topic)) {
			return true
		}
	}

	return false
}
