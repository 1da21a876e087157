package core

import (
	"fmt"
	"strings"
	"time"

	"chat-provider-hub/models"
)

// 本文件只处理单个 Provider 的 Key 池记账，不加锁、不持久化、不发通知；
// 这些由 Registry 在外层完成。

// enabledCredentials 按池内顺序返回已启用的 Key，可排除一个 ID
func enabledCredentials(p *models.Provider, exclude string) []*models.Credential {
	out := make([]*models.Credential, 0, len(p.Credentials))
	for i := range p.Credentials {
		c := &p.Credentials[i]
		if !c.Enabled || (exclude != "" && c.ID == exclude) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// assignCurrent 设置当前 Key 并同步单 Key 镜像，id 为空表示清空
func assignCurrent(p *models.Provider, id string) {
	p.CurrentCredentialID = id
	if cur := p.CurrentCredential(); cur != nil {
		p.APIKey = cur.Secret
	} else {
		p.CurrentCredentialID = ""
		p.APIKey = ""
	}
}

// reassignCurrent 当前 Key 失效后改为第一个其它启用的 Key，没有则清空
func reassignCurrent(p *models.Provider, exclude string) {
	if next := enabledCredentials(p, exclude); len(next) > 0 {
		assignCurrent(p, next[0].ID)
		return
	}
	assignCurrent(p, "")
}

// addCredential 追加 Key；池中没有当前 Key 时新 Key 自动成为当前
func addCredential(p *models.Provider, id, secret, name string) models.Credential {
	if strings.TrimSpace(name) == "" {
		name = fmt.Sprintf("Credential %d", len(p.Credentials)+1)
	}
	p.Credentials = append(p.Credentials, models.Credential{
		ID:          id,
		Secret:      secret,
		DisplayName: name,
		Enabled:     true,
	})
	if p.CurrentCredential() == nil {
		assignCurrent(p, id)
	}
	return p.Credentials[len(p.Credentials)-1]
}

// removeCredential 删除 Key，删除的是当前 Key 时重新分配
func removeCredential(p *models.Provider, id string) (ok, currentChanged bool) {
	idx := p.CredentialIndex(id)
	if idx < 0 {
		return false, false
	}
	wasCurrent := p.CurrentCredentialID == id
	p.Credentials = append(p.Credentials[:idx], p.Credentials[idx+1:]...)
	if wasCurrent {
		reassignCurrent(p, "")
	}
	return true, wasCurrent
}

// setCurrentCredential 显式固定当前 Key，未知或已禁用的 Key 被拒绝
func setCurrentCredential(p *models.Provider, id string) (ok, changed bool) {
	idx := p.CredentialIndex(id)
	if idx < 0 || !p.Credentials[idx].Enabled {
		return false, false
	}
	changed = p.CurrentCredentialID != id
	assignCurrent(p, id)
	return true, changed
}

// updateCredential 合并字段；activeChanged 表示对外生效的 Key 发生了变化
func updateCredential(p *models.Provider, id string, patch models.CredentialPatch) (ok, activeChanged bool) {
	idx := p.CredentialIndex(id)
	if idx < 0 {
		return false, false
	}
	if patch.Secret != nil && strings.TrimSpace(*patch.Secret) == "" {
		return false, false
	}

	c := &p.Credentials[idx]
	isCurrent := p.CurrentCredentialID == id

	if patch.DisplayName != nil {
		c.DisplayName = *patch.DisplayName
	}
	if patch.Secret != nil && *patch.Secret != c.Secret {
		c.Secret = *patch.Secret
		if isCurrent {
			p.APIKey = c.Secret
			activeChanged = true
		}
	}
	if patch.Enabled != nil && *patch.Enabled != c.Enabled {
		c.Enabled = *patch.Enabled
		switch {
		case !c.Enabled && isCurrent:
			reassignCurrent(p, id)
			activeChanged = true
		case c.Enabled && p.CurrentCredential() == nil:
			assignCurrent(p, id)
			activeChanged = true
		}
	}
	return true, activeChanged
}

// peekCredential 不开启轮换时生效的 Key：当前 Key (需启用)，否则第一个启用的 Key
func peekCredential(p *models.Provider) *models.Credential {
	if cur := p.CurrentCredential(); cur != nil && cur.Enabled {
		return cur
	}
	if enabled := enabledCredentials(p, ""); len(enabled) > 0 {
		return enabled[0]
	}
	return nil
}

// peekSecret 无副作用地取得 Key，池为空或全部禁用时退回单 Key 镜像
func peekSecret(p *models.Provider) string {
	if len(p.Credentials) == 0 {
		return p.APIKey
	}
	if c := peekCredential(p); c != nil {
		return c.Secret
	}
	return p.APIKey
}

// selectCredential 主动轮换：由策略选择并累计使用统计
func selectCredential(p *models.Provider, s Strategy, now time.Time) (*models.Credential, error) {
	candidates := enabledCredentials(p, "")
	chosen, err := s.Select(candidates, p.Rotation.Cursor)
	if err != nil {
		return nil, err
	}
	if s.Name() == models.RotationRoundRobin {
		idx := roundRobinIndex(p.Rotation.Cursor, len(candidates))
		p.Rotation.Cursor = (idx + 1) % len(candidates)
	}
	chosen.UsageCount++
	used := now
	chosen.LastUsedAt = &used
	return chosen, nil
}

// rotateToNext 错误触发的被动轮换：切换到池内顺序的下一个启用 Key
// 与主动策略不同，这里总是取第一个候选，以保证故障转移确定可预期
func rotateToNext(p *models.Provider, markError bool) (changed, mutated bool) {
	if markError {
		if cur := p.CurrentCredential(); cur != nil {
			cur.ErrorCount++
			mutated = true
		}
	}

	candidates := enabledCredentials(p, p.CurrentCredentialID)
	if len(candidates) == 0 {
		return false, mutated
	}
	assignCurrent(p, candidates[0].ID)
	return true, true
}
