package camera

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"otcsnap/internal/driver"
)

// SlotMap はカメラをスロットに割り当てる規則
//
// 固定割り当てされたカメラは常に同じスロットを使う。それ以外のカメラは前回使ったスロットが
// 空いていればそこを、なければ固定割り当てのない空きスロットのうち番号の小さいものを使う。
type SlotMap struct {
	mu       sync.Mutex
	slots    int
	pinned   map[driver.HardwareID]int
	reserved map[int]bool
	last     map[driver.HardwareID]int
}

// NewSlotMap は新しいSlotMapを作成する
func NewSlotMap(slots int, pinned map[driver.HardwareID]int) (*SlotMap, error) {
	if slots <= 0 {
		return nil, fmt.Errorf("スロット数が不正です: %d", slots)
	}
	m := &SlotMap{
		slots:    slots,
		pinned:   make(map[driver.HardwareID]int, len(pinned)),
		reserved: make(map[int]bool, len(pinned)),
		last:     make(map[driver.HardwareID]int),
	}
	for id, slot := range pinned {
		if slot < 0 || slot >= slots {
			return nil, fmt.Errorf("カメラ %s の固定スロット %d が範囲外です (0-%d)", id, slot, slots-1)
		}
		if m.reserved[slot] {
			return nil, fmt.Errorf("スロット %d に複数のカメラが固定されています", slot)
		}
		m.pinned[id] = slot
		m.reserved[slot] = true
	}
	return m, nil
}

// Resolve は hwID の割り当て先を返す
// occupied は使用中のスロットを判定する。空きがなければ false を返す
func (m *SlotMap) Resolve(hwID driver.HardwareID, occupied func(slot int) bool) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if slot, ok := m.pinned[hwID]; ok {
		return slot, true
	}
	if slot, ok := m.last[hwID]; ok && !occupied(slot) && !m.reserved[slot] {
		return slot, true
	}
	for slot := 0; slot < m.slots; slot++ {
		if m.reserved[slot] || occupied(slot) {
			continue
		}
		return slot, true
	}
	return 0, false
}

// Remember は hwID が slot を使ったことを記録する
func (m *SlotMap) Remember(hwID driver.HardwareID, slot int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pinned[hwID]; !ok {
		m.last[hwID] = slot
	}
}

// ParsePinned は "id=slot,id=slot" 形式の固定割り当てを解析する
func ParsePinned(s string) (map[driver.HardwareID]int, error) {
	pinned := make(map[driver.HardwareID]int)
	s = strings.TrimSpace(s)
	if s == "" {
		return pinned, nil
	}
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, slotStr, ok := strings.Cut(entry, "=")
		id = strings.TrimSpace(id)
		if !ok || id == "" {
			return nil, fmt.Errorf("固定割り当ての書式が不正です: %q", entry)
		}
		slot, err := strconv.Atoi(strings.TrimSpace(slotStr))
		if err != nil {
			return nil, fmt.Errorf("固定割り当てのスロット番号が不正です: %q: %w", entry, err)
		}
		if _, dup := pinned[driver.HardwareID(id)]; dup {
			return nil, fmt.Errorf("カメラ %s の固定割り当てが重複しています", id)
		}
		pinned[driver.HardwareID(id)] = slot
	}
	return pinned, nil
}

// FormatPinned は固定割り当てを "id=slot,..." 形式で返す
func FormatPinned(pinned map[driver.HardwareID]int) string {
	entries := make([]string, 0, len(pinned))
	for id, slot := range pinned {
		entries = append(entries, fmt.Sprintf("%s=%d", id, slot))
	}
	sort.Strings(entries)
	return strings.Join(entries, ",")
}
