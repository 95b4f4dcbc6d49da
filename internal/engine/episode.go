package engine

import "github.com/yanun0323/logs"

// episodes tracks per-key failure streaks so a persistent failure is logged
// once when it starts, not once per tick.
type episodes struct {
	failing map[string]bool
}

func newEpisodes() *episodes {
	return &episodes{failing: make(map[string]bool)}
}

// observe logs the first failure of an episode and resets on success.
func (e *episodes) observe(key string, err error) {
	if err == nil {
		e.failing[key] = false
		return
	}
	if e.failing[key] {
		return
	}
	e.failing[key] = true
	logs.Errorf("%s failed, retrying each tick until it recovers: %+v", key, err)
}
