package main

import (
	"context"
	"fmt"
	"time"

	"github.com/meridian-labs/aegis/pkg/contracts"
	"github.com/meridian-labs/aegis/pkg/executor"
	"github.com/meridian-labs/aegis/pkg/fingerprint"
	"github.com/meridian-labs/aegis/pkg/knowledge"
)

var allCategories = []contracts.Category{
	contracts.CategoryWebSearch,
	contracts.CategoryDeepResearch,
	contracts.CategoryDataExtract,
	contracts.CategorySummarize,
	contracts.CategoryMarketAnalysis,
}

// registerExecutors installs the built-in executor pair. prior-store answers
// from previously written artifacts and declines when none exists;
// synthesizer always produces a fresh result and writes it back as a prior
// for the next run. Two executors per category keeps the escalation path
// live without any external backend.
func registerExecutors(reg *executor.Registry, priors knowledge.Store) error {
	priorStore := &executor.Func{
		Name: "prior-store",
		Cats: allCategories,
		Run: func(ctx context.Context, a *contracts.Action) (*contracts.Result, error) {
			key, err := priorKey(a)
			if err != nil {
				return nil, err
			}
			artifact, err := priors.ReadPrior(ctx, key)
			if err != nil {
				return nil, err
			}
			if artifact == nil {
				return nil, fmt.Errorf("no prior artifact for this request")
			}
			return &contracts.Result{
				Payload:              artifact.Payload,
				DeclaredCost:         0.1,
				DeclaredQualityClass: contracts.QualityGood,
			}, nil
		},
	}
	if err := reg.Register(priorStore, executor.Prior{Quality: 85, Cost: 0.1}); err != nil {
		return err
	}

	synthesizer := &executor.Func{
		Name: "synthesizer",
		Cats: allCategories,
		Run: func(ctx context.Context, a *contracts.Action) (*contracts.Result, error) {
			payload := map[string]any{
				"category": string(a.Category),
				"request":  a.Payload,
				"answer":   fmt.Sprintf("synthesized result for %s action %s", a.Category, a.ID),
			}
			key, err := priorKey(a)
			if err != nil {
				return nil, err
			}
			if err := priors.WritePrior(ctx, key, &knowledge.Artifact{
				Query:     key,
				Payload:   payload,
				CreatedAt: time.Now().UTC(),
			}); err != nil {
				return nil, err
			}
			return &contracts.Result{
				Payload:              payload,
				DeclaredCost:         1,
				DeclaredQualityClass: contracts.QualityAcceptable,
			}, nil
		},
	}
	return reg.Register(synthesizer, executor.Prior{Quality: 72, Cost: 1})
}

// priorKey addresses the prior store by the action's content fingerprint so
// equivalent payloads share one artifact.
func priorKey(a *contracts.Action) (string, error) {
	fp, err := fingerprint.Of(a)
	if err != nil {
		return "", err
	}
	return string(fp), nil
}
