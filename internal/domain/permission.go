package domain

import "time"

// RestrictionKind — виды ограничений, проверяемых в момент checkPermission,
// а не в момент выдачи. Time-boxed грант истекает без записи в стор.
type RestrictionKind string

const (
	RestrictionTimeLimit  RestrictionKind = "time_limit"
	RestrictionUsageLimit RestrictionKind = "usage_limit"
	RestrictionScopeLimit RestrictionKind = "scope_limit"
	RestrictionTool       RestrictionKind = "tool_restriction"
)

type Restriction struct {
	Kind    RestrictionKind `json:"kind"`
	Until   *time.Time      `json:"until,omitempty"`    // time_limit: дедлайн действия гранта
	MaxUses int             `json:"max_uses,omitempty"` // usage_limit: потолок применений действия
	Scope   string          `json:"scope,omitempty"`    // scope_limit: обязательный префикс действия
	Tools   []string        `json:"tools,omitempty"`    // tool_restriction: запрещенные инструменты
}

// Permission — грант на действие. Иммутабельна после выдачи: пере-апрув
// оформляется новой записью, мутаций нет. Побеждает последняя запись по действию.
type Permission struct {
	Action       string        `json:"action"` // Например "repo.file.read", "*" — wildcard
	Granted      bool          `json:"granted"`
	GrantedBy    string        `json:"granted_by"`
	GrantedAt    time.Time     `json:"granted_at"`
	Restrictions []Restriction `json:"restrictions,omitempty"`
}

// Matches — подходит ли грант под запрошенное действие
func (p *Permission) Matches(action string) bool {
	return p.Action == "*" || p.Action == action
}
