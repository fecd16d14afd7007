package pipeline

import (
	"github.com/helmsmanai/helmsman/internal/domain"
	"github.com/helmsmanai/helmsman/internal/graph"
)

// Build compiles the pipeline for the instrument's market:
//
//	start → data_collection → analysts… → decision → approval
//	                ▲                                    │
//	                └────────── re_analyze ◄─────────────┤
//	                                                     ▼
//	                                            execute → end
func Build(d Deps, interruptBefore []string) (*graph.Compiled, error) {
	g := graph.New(domain.StageStart).
		AddNode(&graph.Node{Name: domain.StageStart, Run: startNode(d)}).
		AddNode(&graph.Node{Name: domain.StageDataCollection, Run: dataCollectionNode(d)}).
		AddNode(&graph.Node{Name: domain.StageDecision, Run: decisionNode(d)}).
		AddNode(&graph.Node{Name: domain.StageApproval, Run: approvalNode()}).
		AddNode(&graph.Node{Name: domain.StageReAnalyze, Run: reAnalyzeNode()}).
		AddNode(&graph.Node{Name: domain.StageExecute, Run: executeNode(d)})

	g.AddEdge(domain.StageStart, domain.StageDataCollection)

	analysts := domain.AnalystsFor(d.Instrument.Market)
	prev := domain.StageDataCollection
	for _, kind := range analysts {
		stage := kind.Stage()
		g.AddNode(&graph.Node{Name: stage, Run: analystNode(d, kind)})
		g.AddEdge(prev, stage)
		prev = stage
	}
	g.AddEdge(prev, domain.StageDecision)

	g.AddEdge(domain.StageDecision, domain.StageApproval)
	g.AddConditional(domain.StageApproval, approvalBranch(d))
	g.AddEdge(domain.StageReAnalyze, domain.StageDataCollection)
	g.AddEdge(domain.StageExecute, graph.End)

	return g.Compile(interruptBefore)
}
