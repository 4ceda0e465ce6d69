package internal

import (
	"math"
	"math/rand/v2"

	"github.com/google/uuid"
)

// Difficulty 難度等級（建立房間時決定，之後不變）
type Difficulty int

const (
	DifficultyVowels     Difficulty = 1 // 母音
	DifficultyConsonants Difficulty = 2 // 子音
	DifficultyUppercase  Difficulty = 3 // 大寫字母（需要 Shift）
	DifficultySymbols    Difficulty = 4 // 符號（需要 Shift）
)

// ItemType 物品外觀（純裝飾，不影響計分）
type ItemType string

const (
	ItemCheeseSmall  ItemType = "cheese-small"
	ItemCheeseMedium ItemType = "cheese-medium"
	ItemApple        ItemType = "apple"
	ItemBread        ItemType = "bread"
)

var itemTypes = [...]ItemType{ItemCheeseSmall, ItemCheeseMedium, ItemApple, ItemBread}

// 競技場與生成參數
const (
	ArenaWidth        = 1200.0
	ArenaHeight       = 700.0
	ArenaMargin       = 50.0
	MinItemDistance   = 80.0
	MaxPlaceAttempts  = 50
	DefaultSpawnCount = 15
)

// tier 每個難度的字元池與固定分數
type tier struct {
	letters       []string
	points        int
	requiresShift bool
}

var tiers = map[Difficulty]tier{
	DifficultyVowels: {
		letters: []string{"a", "e", "i", "o", "u"},
		points:  1,
	},
	DifficultyConsonants: {
		letters: []string{"b", "c", "d", "f", "g", "h", "j", "k", "l", "m", "n", "p", "q", "r", "s", "t", "v", "w", "x", "z"},
		points:  2,
	},
	DifficultyUppercase: {
		letters:       []string{"A", "B", "C", "D", "E", "F", "G", "H", "I", "J", "K", "L", "M", "N", "O", "P", "Q", "R", "S", "T", "U", "V", "W", "X", "Y", "Z"},
		points:        3,
		requiresShift: true,
	},
	DifficultySymbols: {
		letters:       []string{"!", "@", "#", "$", "%", "&", "*", "(", ")", "+", "=", "<", ">", "?", ":", ";"},
		points:        5,
		requiresShift: true,
	},
}

// Valid 檢查難度是否在 1..4
func (d Difficulty) Valid() bool {
	_, ok := tiers[d]
	return ok
}

// Letters 難度對應的字元池
func (d Difficulty) Letters() []string {
	return tiers[d].letters
}

// Points 難度對應的固定分數
func (d Difficulty) Points() int {
	return tiers[d].points
}

// CollectibleItem 可收集物品（生成後不可變）
type CollectibleItem struct {
	ID              string     `json:"id"`
	Type            ItemType   `json:"type"`
	Position        Position   `json:"position"`
	Letter          string     `json:"letter"`
	DifficultyLevel Difficulty `json:"difficultyLevel"`
	Points          int        `json:"points"`
	RequiresShift   bool       `json:"requiresShift"`
}

// SpawnItems 生成 count 個物品
//
// 位置以拒絕取樣決定：候選點需與 existing 以及本批已放置的物品
// 保持 MinItemDistance。每個物品最多嘗試 MaxPlaceAttempts 次，
// 用完則直接接受最後一個候選點（密集場地下以有界延遲換取完美不重疊）。
func SpawnItems(rng *rand.Rand, difficulty Difficulty, count int, existing []Position) []CollectibleItem {
	t, ok := tiers[difficulty]
	if !ok || count <= 0 {
		return []CollectibleItem{}
	}

	placed := make([]Position, len(existing), len(existing)+count)
	copy(placed, existing)

	items := make([]CollectibleItem, 0, count)
	for range count {
		pos := placeItem(rng, placed)
		placed = append(placed, pos)

		items = append(items, CollectibleItem{
			ID:              uuid.NewString(),
			Type:            itemTypes[rng.IntN(len(itemTypes))],
			Position:        pos,
			Letter:          t.letters[rng.IntN(len(t.letters))],
			DifficultyLevel: difficulty,
			Points:          t.points,
			RequiresShift:   t.requiresShift,
		})
	}
	return items
}

// SpawnItem 生成單一補充物品，與場上現有物品保持距離
func SpawnItem(rng *rand.Rand, difficulty Difficulty, existing []Position) (CollectibleItem, bool) {
	items := SpawnItems(rng, difficulty, 1, existing)
	if len(items) == 0 {
		return CollectibleItem{}, false
	}
	return items[0], true
}

func placeItem(rng *rand.Rand, placed []Position) Position {
	var pos Position
	for attempt := 0; attempt < MaxPlaceAttempts; attempt++ {
		pos = Position{
			X: rng.Float64()*(ArenaWidth-2*ArenaMargin) + ArenaMargin,
			Y: rng.Float64()*(ArenaHeight-2*ArenaMargin) + ArenaMargin,
		}
		if farEnough(pos, placed) {
			break
		}
	}
	return pos
}

func farEnough(pos Position, placed []Position) bool {
	for _, p := range placed {
		if Distance(pos, p) < MinItemDistance {
			return false
		}
	}
	return true
}

// Distance 兩點的歐氏距離
func Distance(a, b Position) float64 {
	return math.Hypot(a.X-b.X, a.Y-b.Y)
}
