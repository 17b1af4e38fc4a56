package capability

import (
	"sync"
	"testing"
)

func staticCapability(id string, settlementEnabled bool) *PromptCapability {
	return NewPromptCapability(Info{
		ID:         id,
		Settlement: Settlement{Enabled: settlementEnabled},
	}, "prompt", nil)
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	registry := NewRegistry(nil)
	if err := registry.Register(staticCapability("a", true)); err != nil {
		t.Fatalf("首次注册失败: %v", err)
	}
	if err := registry.Register(staticCapability("a", true)); err == nil {
		t.Fatal("重复注册应返回错误")
	}
}

func TestListSortedByID(t *testing.T) {
	registry := NewRegistry(nil)
	for _, id := range []string{"c", "a", "b"} {
		if err := registry.Register(staticCapability(id, true)); err != nil {
			t.Fatalf("注册失败: %v", err)
		}
	}
	infos := registry.List()
	if len(infos) != 3 || infos[0].ID != "a" || infos[1].ID != "b" || infos[2].ID != "c" {
		t.Fatalf("列表应按 ID 排序: %+v", infos)
	}
}

func TestRecommendationsStaticOrderThenDynamic(t *testing.T) {
	registry := NewRegistry(map[string][]string{
		"caller": {"second", "first"},
	})
	for _, id := range []string{"caller", "first", "second", "zeta"} {
		if err := registry.Register(staticCapability(id, true)); err != nil {
			t.Fatalf("注册失败: %v", err)
		}
	}
	if err := registry.Register(staticCapability("disabled", false)); err != nil {
		t.Fatalf("注册失败: %v", err)
	}

	recs := registry.Recommendations("caller")
	want := []string{"second", "first", "zeta"}
	if len(recs) != len(want) {
		t.Fatalf("推荐列表不符: %v", recs)
	}
	for i, id := range want {
		if recs[i] != id {
			t.Fatalf("推荐顺序不符: %v", recs)
		}
	}
}

func TestRecommendationsExcludeCallerAndDuplicates(t *testing.T) {
	registry := NewRegistry(map[string][]string{"caller": {"target"}})
	for _, id := range []string{"caller", "target"} {
		if err := registry.Register(staticCapability(id, true)); err != nil {
			t.Fatalf("注册失败: %v", err)
		}
	}
	recs := registry.Recommendations("caller")
	if len(recs) != 1 || recs[0] != "target" {
		t.Fatalf("推荐应去重且不含调用方: %v", recs)
	}
}

func TestEarnedCountersConcurrent(t *testing.T) {
	registry := NewRegistry(nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			registry.AddEarned("target", 0.5)
		}()
	}
	wg.Wait()
	if earned := registry.Earned("target"); earned != 25 {
		t.Fatalf("并发累加后收入应为 25，实际 %v", earned)
	}
	snapshot := registry.EarnedSnapshot()
	if snapshot["target"] != 25 {
		t.Fatalf("快照不符: %v", snapshot)
	}
}
