package stordht

import (
	"github.com/dep2p/stordht/keyspace"
	"github.com/dep2p/stordht/message"
)

// 按多数票合并各节点返回的原始结果
// 一个键获得超过半数应答者的投票才进入结果;数据结果还要求内容哈希一致

// EvaluateKeys 合并键集合结果
// 参数:
//   - raw: map[keyspace.Number160][]keyspace.Key640 每个应答节点返回的键
//
// 返回值:
//   - []keyspace.Key640 获得多数票的键
func EvaluateKeys(raw map[keyspace.Number160][]keyspace.Key640) []keyspace.Key640 {
	n := len(raw)
	votes := make(map[keyspace.Key640]int)
	for _, keys := range raw {
		for _, k := range keys {
			votes[k]++
		}
	}
	var out []keyspace.Key640
	for k, v := range votes {
		if 2*v > n {
			out = append(out, k)
		}
	}
	return out
}

type dataVote struct {
	hash  keyspace.Number160
	count int
	data  *message.Data
}

// EvaluateData 合并数据结果
// 同一键在多数应答者上内容一致时胜出;单个应答者的结果直接采纳
// 参数:
//   - raw: map[keyspace.Number160]map[keyspace.Key640]*message.Data 每个应答节点返回的数据
//
// 返回值:
//   - map[keyspace.Key640]*message.Data 合并后的数据
func EvaluateData(raw map[keyspace.Number160]map[keyspace.Key640]*message.Data) map[keyspace.Key640]*message.Data {
	n := len(raw)
	votes := make(map[keyspace.Key640][]*dataVote)
	for _, dataMap := range raw {
		for k, d := range dataMap {
			h := d.Hash()
			found := false
			for _, v := range votes[k] {
				if v.hash == h {
					v.count++
					found = true
					break
				}
			}
			if !found {
				votes[k] = append(votes[k], &dataVote{hash: h, count: 1, data: d})
			}
		}
	}
	out := make(map[keyspace.Key640]*message.Data)
	for k, candidates := range votes {
		for _, v := range candidates {
			if 2*v.count > n {
				out[k] = v.data
				break
			}
		}
	}
	return out
}

// EvaluateDigests 合并摘要结果
// 一条摘要在多数应答者上哈希一致时进入结果
func EvaluateDigests(raw map[keyspace.Number160]*message.DigestInfo) *message.DigestInfo {
	n := len(raw)
	type entry struct {
		hash  keyspace.Number160
		count int
	}
	votes := make(map[keyspace.Key640][]*entry)
	for _, di := range raw {
		if di == nil {
			continue
		}
		for _, k := range di.Keys() {
			h, _ := di.Get(k)
			found := false
			for _, e := range votes[k] {
				if e.hash == h {
					e.count++
					found = true
					break
				}
			}
			if !found {
				votes[k] = append(votes[k], &entry{hash: h, count: 1})
			}
		}
	}
	out := message.NewDigestInfo()
	for k, candidates := range votes {
		for _, e := range candidates {
			if 2*e.count > n {
				out.Put(k, e.hash)
				break
			}
		}
	}
	return out
}
