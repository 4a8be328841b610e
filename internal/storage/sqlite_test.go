package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/juju/collections/set"

	"gearwatch/internal/filter"
	"gearwatch/internal/model"
)

var ignoreSubTS = cmpopts.IgnoreFields(model.Subscription{}, "CreatedAt")

func newTestDB(t *testing.T) *SQLite {
	t.Helper()
	s, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newFilter(name string, rarity int, types, brands, abilities []string) model.Filter {
	return model.Filter{
		GearName:  name,
		MinRarity: rarity,
		Types:     set.NewStrings(types...),
		Brands:    set.NewStrings(brands...),
		Abilities: set.NewStrings(abilities...),
	}
}

func TestUserCreateAndGet(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	u, err := s.CreateUser(ctx)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if u.ID == 0 || u.Code == "" {
		t.Fatalf("expected id and code, got %+v", u)
	}

	other, err := s.CreateUser(ctx)
	if err != nil {
		t.Fatalf("create second: %v", err)
	}
	if u.Code == other.Code {
		t.Error("expected distinct user codes")
	}

	got, err := s.GetUser(ctx, u.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if diff := cmp.Diff(u, got, cmpopts.IgnoreFields(model.User{}, "CreatedAt")); diff != "" {
		t.Errorf("GetUser mismatch (-want +got):\n%s", diff)
	}
	if !got.LastNotified.IsZero() {
		t.Errorf("new user watermark = %v, want zero", got.LastNotified)
	}

	if _, err := s.GetUser(ctx, 999); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetUser(999) error = %v, want ErrNotFound", err)
	}
}

func TestAdvanceWatermarkIsMonotonic(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	u, err := s.CreateUser(ctx)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	t1 := time.Date(2026, 10, 18, 4, 0, 0, 0, time.UTC)
	t2 := t1.Add(2 * time.Hour)

	steps := []struct {
		advance time.Time
		want    time.Time
	}{
		{advance: t1, want: t1},
		{advance: t2, want: t2},
		{advance: t1, want: t2},
	}
	for i, st := range steps {
		if err := s.AdvanceWatermark(ctx, u.ID, st.advance); err != nil {
			t.Fatalf("step %d: advance: %v", i, err)
		}
		got, err := s.GetUser(ctx, u.ID)
		if err != nil {
			t.Fatalf("step %d: get: %v", i, err)
		}
		if diff := cmp.Diff(st.want, got.LastNotified); diff != "" {
			t.Errorf("step %d: watermark mismatch (-want +got):\n%s", i, diff)
		}
	}
}

func TestSaveFilterDeduplicates(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	a := newFilter("", 1, nil, []string{"Forge", "Zink"}, nil)
	b := newFilter("", 1, nil, []string{"Zink", "Forge"}, nil)
	c := newFilter("", 2, nil, []string{"Forge", "Zink"}, nil)

	for _, f := range []*model.Filter{&a, &b, &c} {
		if err := s.SaveFilter(ctx, f); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	if a.ID == 0 {
		t.Fatal("expected non-zero ID")
	}
	if diff := cmp.Diff(a.ID, b.ID); diff != "" {
		t.Errorf("identical filters should share a row (-want +got):\n%s", diff)
	}
	if a.ID == c.ID {
		t.Error("different filters should not share a row")
	}
}

func TestListUserFilters(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	u, err := s.CreateUser(ctx)
	if err != nil {
		t.Fatalf("create user: %v", err)
	}

	want := []model.Filter{
		newFilter("Hockey Helmet", 0, []string{"HeadGear"}, nil, []string{"Tenacity"}),
		newFilter("", 2, nil, []string{"Forge"}, nil),
	}
	for i := range want {
		if err := s.SaveFilter(ctx, &want[i]); err != nil {
			t.Fatalf("save: %v", err)
		}
		if err := s.AttachFilter(ctx, u.ID, want[i].ID); err != nil {
			t.Fatalf("attach: %v", err)
		}
	}

	got, err := s.ListUserFilters(ctx, u.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ListUserFilters mismatch (-want +got):\n%s", diff)
	}

	if err := s.DetachFilter(ctx, u.ID, want[0].ID); err != nil {
		t.Fatalf("detach: %v", err)
	}
	got, err = s.ListUserFilters(ctx, u.ID)
	if err != nil {
		t.Fatalf("list after detach: %v", err)
	}
	if diff := cmp.Diff(1, len(got)); diff != "" {
		t.Errorf("filter count after detach (-want +got):\n%s", diff)
	}
}

func TestMatchingRecipients(t *testing.T) {
	helmet := model.Gear{Name: "Hockey Helmet", Type: model.TypeHead, Brand: "Forge", Ability: "Tenacity", Rarity: 2}

	tests := []struct {
		name   string
		filter model.Filter
		want   bool
	}{
		{name: "all wildcards", filter: newFilter("", 0, nil, nil, nil), want: true},
		{name: "rarity equal", filter: newFilter("", 2, nil, nil, nil), want: true},
		{name: "name matches", filter: newFilter("Hockey Helmet", 0, nil, nil, nil), want: true},
		{name: "name differs", filter: newFilter("Paintball Mask", 0, nil, nil, nil), want: false},
		{name: "type listed", filter: newFilter("", 0, []string{"HeadGear", "ShoesGear"}, nil, nil), want: true},
		{name: "type not listed", filter: newFilter("", 0, []string{"ShoesGear"}, nil, nil), want: false},
		{name: "brand listed", filter: newFilter("", 0, nil, []string{"Forge"}, nil), want: true},
		{name: "brand not listed", filter: newFilter("", 0, nil, []string{"Zink"}, nil), want: false},
		{name: "ability listed", filter: newFilter("", 0, nil, nil, []string{"Tenacity"}), want: true},
		{name: "ability not listed", filter: newFilter("", 0, nil, nil, []string{"Comeback"}), want: false},
		{name: "all clauses", filter: newFilter("Hockey Helmet", 1, []string{"HeadGear"}, []string{"Forge"}, []string{"Tenacity"}), want: true},
		{name: "one clause fails", filter: newFilter("Hockey Helmet", 1, []string{"HeadGear"}, []string{"Forge"}, []string{"Haunt"}), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			s := newTestDB(t)

			u, err := s.CreateUser(ctx)
			if err != nil {
				t.Fatalf("create user: %v", err)
			}
			f := tt.filter
			if err := s.SaveFilter(ctx, &f); err != nil {
				t.Fatalf("save: %v", err)
			}
			if err := s.AttachFilter(ctx, u.ID, f.ID); err != nil {
				t.Fatalf("attach: %v", err)
			}

			got, err := s.MatchingRecipients(ctx, helmet)
			if err != nil {
				t.Fatalf("match: %v", err)
			}
			if diff := cmp.Diff(tt.want, len(got) == 1); diff != "" {
				t.Errorf("match mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.want, filter.Match(tt.filter, helmet)); diff != "" {
				t.Errorf("filter.Match disagrees with storage (-want +got):\n%s", diff)
			}
		})
	}
}

func TestMatchingRecipientsAgreesWithPredicate(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	filters := []model.Filter{
		newFilter("", 0, nil, []string{"Forge"}, nil),
		newFilter("", 1, []string{"ShoesGear"}, nil, nil),
		newFilter("Blue Lo-Tops", 0, nil, nil, []string{"Swim Speed Up", "Tenacity"}),
		newFilter("", 2, []string{"HeadGear", "ClothingGear"}, []string{"Forge", "Zekko"}, []string{"Tenacity"}),
		newFilter("", 0, nil, nil, nil),
	}
	owners := make(map[int64]int64)
	for i := range filters {
		u, err := s.CreateUser(ctx)
		if err != nil {
			t.Fatalf("create user: %v", err)
		}
		if err := s.SaveFilter(ctx, &filters[i]); err != nil {
			t.Fatalf("save: %v", err)
		}
		if err := s.AttachFilter(ctx, u.ID, filters[i].ID); err != nil {
			t.Fatalf("attach: %v", err)
		}
		owners[u.ID] = int64(i)
	}

	gear := []model.Gear{
		{Name: "Hockey Helmet", Type: model.TypeHead, Brand: "Forge", Ability: "Tenacity", Rarity: 2},
		{Name: "Blue Lo-Tops", Type: model.TypeShoes, Brand: "Zink", Ability: "Swim Speed Up", Rarity: 0},
		{Name: "Blue Lo-Tops", Type: model.TypeShoes, Brand: "Zink", Ability: "Haunt", Rarity: 1},
		{Name: "Zekko Hoodie", Type: model.TypeClothing, Brand: "Zekko", Ability: "Tenacity", Rarity: 1},
	}

	for _, g := range gear {
		t.Run(fmt.Sprintf("%s/%s/%d", g.Name, g.Ability, g.Rarity), func(t *testing.T) {
			var want []int64
			for i, f := range filters {
				if filter.Match(f, g) {
					want = append(want, int64(i))
				}
			}

			recipients, err := s.MatchingRecipients(ctx, g)
			if err != nil {
				t.Fatalf("match: %v", err)
			}
			var got []int64
			for _, r := range recipients {
				got = append(got, owners[r.UserID])
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("recipients mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestMatchingRecipientsSharedFilter(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	f := newFilter("", 0, nil, []string{"Forge"}, nil)
	if err := s.SaveFilter(ctx, &f); err != nil {
		t.Fatalf("save: %v", err)
	}
	g := newFilter("", 0, nil, nil, []string{"Tenacity"})
	if err := s.SaveFilter(ctx, &g); err != nil {
		t.Fatalf("save: %v", err)
	}

	var ids []int64
	for range 3 {
		u, err := s.CreateUser(ctx)
		if err != nil {
			t.Fatalf("create user: %v", err)
		}
		if err := s.AttachFilter(ctx, u.ID, f.ID); err != nil {
			t.Fatalf("attach: %v", err)
		}
		if err := s.AttachFilter(ctx, u.ID, g.ID); err != nil {
			t.Fatalf("attach: %v", err)
		}
		ids = append(ids, u.ID)
	}

	got, err := s.MatchingRecipients(ctx, model.Gear{Name: "Hockey Helmet", Type: model.TypeHead, Brand: "Forge", Ability: "Tenacity"})
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	var gotIDs []int64
	for _, r := range got {
		gotIDs = append(gotIDs, r.UserID)
	}
	if diff := cmp.Diff(ids, gotIDs); diff != "" {
		t.Errorf("each user should appear once (-want +got):\n%s", diff)
	}
}

func TestSubscriptions(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	u, err := s.CreateUser(ctx)
	if err != nil {
		t.Fatalf("create user: %v", err)
	}

	now := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	subs := []model.Subscription{
		{UserID: u.ID, Endpoint: "https://push.example.com/a", P256dh: "p1", Auth: "a1"},
		{UserID: u.ID, Kind: model.KindTelegram, Endpoint: "12345"},
		{UserID: u.ID, Endpoint: "https://push.example.com/old", ExpiresAt: &past},
		{UserID: u.ID, Endpoint: "https://push.example.com/later", ExpiresAt: &future},
	}
	for i := range subs {
		if err := s.AddSubscription(ctx, &subs[i]); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	got, err := s.ListSubscriptions(ctx, u.ID, now)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []model.Subscription{subs[0], subs[1], subs[3]}
	if diff := cmp.Diff(want, got, ignoreSubTS); diff != "" {
		t.Errorf("ListSubscriptions mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(model.KindWebPush, got[0].Kind); diff != "" {
		t.Errorf("default kind mismatch (-want +got):\n%s", diff)
	}

	if err := s.DeleteSubscription(ctx, subs[0].ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, err = s.ListSubscriptions(ctx, u.ID, now)
	if err != nil {
		t.Fatalf("list after delete: %v", err)
	}
	if diff := cmp.Diff(2, len(got)); diff != "" {
		t.Errorf("count after delete (-want +got):\n%s", diff)
	}
}

func TestKV(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	if _, ok, err := s.GetKV(ctx, "missing"); err != nil || ok {
		t.Fatalf("GetKV(missing) = ok %v, err %v", ok, err)
	}

	for _, v := range []string{"one", "two"} {
		if err := s.PutKV(ctx, "slot", []byte(v)); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	got, ok, err := s.GetKV(ctx, "slot")
	if err != nil || !ok {
		t.Fatalf("GetKV(slot) = ok %v, err %v", ok, err)
	}
	if diff := cmp.Diff("two", string(got)); diff != "" {
		t.Errorf("value mismatch (-want +got):\n%s", diff)
	}
}

func TestFindSubscription(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	u, err := s.CreateUser(ctx)
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	sub := model.Subscription{UserID: u.ID, Kind: model.KindTelegram, Endpoint: "12345"}
	if err := s.AddSubscription(ctx, &sub); err != nil {
		t.Fatalf("add: %v", err)
	}

	got, err := s.FindSubscription(ctx, model.KindTelegram, "12345")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if diff := cmp.Diff(sub, *got, ignoreSubTS); diff != "" {
		t.Errorf("FindSubscription mismatch (-want +got):\n%s", diff)
	}

	for _, tt := range []struct {
		kind     model.SubscriptionKind
		endpoint string
	}{
		{model.KindTelegram, "99999"},
		{model.KindWebPush, "12345"},
	} {
		if _, err := s.FindSubscription(ctx, tt.kind, tt.endpoint); !errors.Is(err, ErrNotFound) {
			t.Errorf("FindSubscription(%s, %s) error = %v, want ErrNotFound", tt.kind, tt.endpoint, err)
		}
	}
}

func TestDetachUnattachedFilter(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	u, err := s.CreateUser(ctx)
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if err := s.DetachFilter(ctx, u.ID, 42); !errors.Is(err, ErrNotFound) {
		t.Errorf("DetachFilter error = %v, want ErrNotFound", err)
	}
}
