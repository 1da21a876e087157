package core

import (
	"errors"
	"math/rand"

	"chat-provider-hub/models"
)

var (
	ErrNoCredentialsAvailable = errors.New("no enabled credentials in pool")
)

// smartErrorWeight smart 策略中每次错误折算的使用次数
const smartErrorWeight = 10

// RoundRobinStrategy 轮询策略
type RoundRobinStrategy struct{}

func (s *RoundRobinStrategy) Name() models.RotationStrategy { return models.RotationRoundRobin }

func (s *RoundRobinStrategy) Select(candidates []*models.Credential, cursor int) (*models.Credential, error) {
	if len(candidates) == 0 {
		return nil, ErrNoCredentialsAvailable
	}
	// 纯算法逻辑，游标推进由调用者负责
	return candidates[roundRobinIndex(cursor, len(candidates))], nil
}

func roundRobinIndex(cursor, n int) int {
	idx := cursor % n
	if idx < 0 {
		idx += n
	}
	return idx
}

// RandomStrategy 均匀随机
type RandomStrategy struct {
	// IntN 可注入的随机源，默认 math/rand
	IntN func(n int) int
}

func (s *RandomStrategy) Name() models.RotationStrategy { return models.RotationRandom }

func (s *RandomStrategy) Select(candidates []*models.Credential, _ int) (*models.Credential, error) {
	if len(candidates) == 0 {
		return nil, ErrNoCredentialsAvailable
	}
	intn := s.IntN
	if intn == nil {
		intn = rand.Intn
	}
	return candidates[intn(len(candidates))], nil
}

// LeastUsedStrategy 使用次数最少者优先，相同时按池内顺序
type LeastUsedStrategy struct{}

func (s *LeastUsedStrategy) Name() models.RotationStrategy { return models.RotationLeastUsed }

func (s *LeastUsedStrategy) Select(candidates []*models.Credential, _ int) (*models.Credential, error) {
	return minBy(candidates, func(c *models.Credential) int64 { return c.UsageCount })
}

// SmartStrategy 综合使用次数与错误次数 (usage + errors*10)
type SmartStrategy struct{}

func (s *SmartStrategy) Name() models.RotationStrategy { return models.RotationSmart }

func (s *SmartStrategy) Select(candidates []*models.Credential, _ int) (*models.Credential, error) {
	return minBy(candidates, func(c *models.Credential) int64 {
		return c.UsageCount + c.ErrorCount*smartErrorWeight
	})
}

// minBy 取得分最低者，严格小于才替换，保证池内顺序优先
func minBy(candidates []*models.Credential, score func(*models.Credential) int64) (*models.Credential, error) {
	if len(candidates) == 0 {
		return nil, ErrNoCredentialsAvailable
	}
	best := candidates[0]
	bestScore := score(best)
	for _, c := range candidates[1:] {
		if s := score(c); s < bestScore {
			best, bestScore = c, s
		}
	}
	return best, nil
}

// DefaultStrategies 注册表默认加载的全部策略
func DefaultStrategies() []Strategy {
	return []Strategy{
		&RoundRobinStrategy{},
		&RandomStrategy{},
		&LeastUsedStrategy{},
		&SmartStrategy{},
	}
}
