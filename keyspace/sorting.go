package keyspace

import "sort"

// idDistance 是按到目标的异或距离排序的辅助结构体
type idDistance struct {
	id       Number160
	distance Number160
}

type idDistanceSorter struct {
	ids    []idDistance
	target Number160
}

func (s *idDistanceSorter) Len() int { return len(s.ids) }

func (s *idDistanceSorter) Swap(a, b int) {
	s.ids[a], s.ids[b] = s.ids[b], s.ids[a]
}

// Less 先比较异或距离,距离相同时回退到标识符数值序
func (s *idDistanceSorter) Less(a, b int) bool {
	if c := s.ids[a].distance.Compare(s.ids[b].distance); c != 0 {
		return c < 0
	}
	return s.ids[a].id.Compare(s.ids[b].id) < 0
}

// SortByDistance 按到目标的异或距离升序排序给定的标识符
// 距离相同时按标识符数值序决胜
// 参数:
//   - ids: []Number160 要排序的标识符列表
//   - target: Number160 目标标识符
//
// 返回值:
//   - []Number160 排序后的新切片
func SortByDistance(ids []Number160, target Number160) []Number160 {
	sorter := idDistanceSorter{
		ids:    make([]idDistance, 0, len(ids)),
		target: target,
	}
	for _, id := range ids {
		sorter.ids = append(sorter.ids, idDistance{id: id, distance: id.Xor(target)})
	}
	sort.Sort(&sorter)
	out := make([]Number160, 0, len(sorter.ids))
	for _, d := range sorter.ids {
		out = append(out, d.id)
	}
	return out
}

// Closer 判断 a 是否比 b 更接近目标
// 参数:
//   - a, b: Number160 要比较的两个标识符
//   - target: Number160 目标标识符
//
// 返回值:
//   - bool 如果 a 更接近则返回 true
func Closer(a, b, target Number160) bool {
	da := a.Xor(target)
	db := b.Xor(target)
	if c := da.Compare(db); c != 0 {
		return c < 0
	}
	return a.Compare(b) < 0
}
