package evidence

import (
	"sort"
	"strings"

	"github.com/Veraticus/saffron/internal/config"
	"github.com/Veraticus/saffron/internal/model"
)

// CategoryMapper maps receipt items and business types onto the taxonomy.
type CategoryMapper struct {
	hints         map[string][]string
	keywords      map[string][]string
	businessTypes map[string]string
	keywordOrder  []string
}

// NewCategoryMapper builds a mapper from the configured tables.
func NewCategoryMapper(m config.Mappings) *CategoryMapper {
	cm := &CategoryMapper{
		hints:         make(map[string][]string, len(m.CategoryHints)),
		keywords:      make(map[string][]string, len(m.ItemKeywords)),
		businessTypes: make(map[string]string, len(m.BusinessTypes)),
	}
	for k, v := range m.CategoryHints {
		cm.hints[normalize(k)] = v
	}
	for k, v := range m.ItemKeywords {
		key := normalize(k)
		cm.keywords[key] = v
		cm.keywordOrder = append(cm.keywordOrder, key)
	}
	sort.Strings(cm.keywordOrder)
	for k, v := range m.BusinessTypes {
		cm.businessTypes[normalize(k)] = v
	}
	return cm
}

func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Join(strings.Fields(strings.ReplaceAll(s, "_", " ")), " ")
}

// MapItem picks a category for a receipt item. It tries, in order: a category
// named exactly like the hint, the hint table, then keywords in the item name.
func (m *CategoryMapper) MapItem(hint, name string, categories []model.Category) *model.Category {
	h := normalize(hint)
	if h != "" {
		if c := byName(h, categories); c != nil {
			return c
		}
		if fragments, ok := m.hints[h]; ok {
			if c := byFragments(fragments, categories); c != nil {
				return c
			}
		}
		// The hint itself may be a fragment of a category name.
		if c := byFragments([]string{h}, categories); c != nil {
			return c
		}
	}

	words := strings.Fields(normalize(name))
	for _, kw := range m.keywordOrder {
		for _, w := range words {
			if strings.TrimRight(w, "s") == kw || w == kw {
				if c := byFragments(m.keywords[kw], categories); c != nil {
					return c
				}
			}
		}
	}
	return nil
}

// MapBusinessType returns the category configured for a business type.
func (m *CategoryMapper) MapBusinessType(businessType string, categories []model.Category) *model.Category {
	name, ok := m.businessTypes[normalize(businessType)]
	if !ok {
		return nil
	}
	return byName(normalize(name), categories)
}

func byName(name string, categories []model.Category) *model.Category {
	for i := range categories {
		if normalize(categories[i].Name) == name {
			return &categories[i]
		}
	}
	return nil
}

// byFragments returns the first category whose name contains one of the
// fragments, preferring fragments listed first.
func byFragments(fragments []string, categories []model.Category) *model.Category {
	for _, f := range fragments {
		f = normalize(f)
		if f == "" {
			continue
		}
		if c := byName(f, categories); c != nil {
			return c
		}
		for i := range categories {
			if strings.Contains(normalize(categories[i].Name), f) {
				return &categories[i]
			}
		}
	}
	return nil
}
