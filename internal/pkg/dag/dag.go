// Package dag 列引用关系的有向图，用于在生成前检测循环引用。
package dag

import (
	"fmt"
	"sort"
)

// Graph 边由被依赖列指向依赖它的列
type Graph struct {
	nodes   map[string]bool
	edges   map[string][]string // parent -> children
	parents map[string][]string // child -> parents
}

func NewGraph() *Graph {
	return &Graph{
		nodes:   make(map[string]bool),
		edges:   make(map[string][]string),
		parents: make(map[string][]string),
	}
}

// AddNode 重复添加是幂等的
func (g *Graph) AddNode(id string) {
	g.nodes[id] = true
}

// AddEdge child 依赖 parent。自环直接报错
func (g *Graph) AddEdge(parentID, childID string) error {
	if !g.nodes[parentID] {
		return fmt.Errorf("parent node %q does not exist", parentID)
	}
	if !g.nodes[childID] {
		return fmt.Errorf("child node %q does not exist", childID)
	}
	if parentID == childID {
		return fmt.Errorf("self-loop detected: %s", parentID)
	}
	if !contains(g.edges[parentID], childID) {
		g.edges[parentID] = append(g.edges[parentID], childID)
	}
	if !contains(g.parents[childID], parentID) {
		g.parents[childID] = append(g.parents[childID], parentID)
	}
	return nil
}

func (g *Graph) Has(id string) bool {
	return g.nodes[id]
}

func (g *Graph) Parents(id string) []string {
	return g.parents[id]
}

// HasCycle 深度优先遍历，visiting 标记当前递归栈上的节点，返回环路径
func (g *Graph) HasCycle() (bool, []string) {
	visited := make(map[string]bool)
	visiting := make(map[string]bool)
	from := make(map[string]string)

	var cycle []string
	var dfs func(id string) bool
	dfs = func(id string) bool {
		visited[id] = true
		visiting[id] = true

		for _, child := range g.edges[id] {
			if !visited[child] {
				from[child] = id
				if dfs(child) {
					return true
				}
			} else if visiting[child] {
				cycle = []string{child}
				for curr := id; curr != child; curr = from[curr] {
					cycle = append([]string{curr}, cycle...)
				}
				cycle = append([]string{child}, cycle...)
				return true
			}
		}

		visiting[id] = false
		return false
	}

	// 排序保证报错路径稳定
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if !visited[id] && dfs(id) {
			return true, cycle
		}
	}
	return false, nil
}

// Upstream 返回 id 传递依赖的所有节点（不含自身）
func (g *Graph) Upstream(id string) []string {
	seen := make(map[string]bool)
	var walk func(string)
	walk = func(n string) {
		for _, p := range g.parents[n] {
			if !seen[p] {
				seen[p] = true
				walk(p)
			}
		}
	}
	walk(id)
	delete(seen, id)

	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
