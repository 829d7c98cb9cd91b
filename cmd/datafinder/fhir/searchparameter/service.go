package searchparameter

import (
	"sort"

	"github.com/SanteonNL/datafinder/cmd/datafinder/types"
	"github.com/rs/zerolog"
	"github.com/samply/golang-fhir-models/fhir-models/fhir"
)

// NewSearchParameterService creates a new search parameter service
func NewSearchParameterService(repo *SearchParameterRepository, log zerolog.Logger) *SearchParameterService {
	return &SearchParameterService{
		repo: repo,
		log:  log.With().Str("component", "searchparameter_service").Logger(),
	}
}

// ParametersForResource converts the loaded parameters of a resource type,
// ordered by name
func (svc *SearchParameterService) ParametersForResource(resourceType string) []types.SearchParameter {
	loaded := svc.repo.GetSearchParametersForResource(resourceType)
	out := make([]types.SearchParameter, 0, len(loaded))
	for _, sp := range loaded {
		out = append(out, convert(sp))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ApplyTo adds every loaded parameter to the definition table for each of its base resources
func (svc *SearchParameterService) ApplyTo(sink Sink) int {
	applied := 0
	for _, sp := range svc.repo.GetAllSearchParameters() {
		if sp.Expression == nil {
			svc.log.Debug().
				Str("code", sp.Code).
				Str("url", sp.Url).
				Msg("Skipping search parameter with nil expression")
			continue
		}
		param := convert(sp)
		for _, base := range sp.Base {
			sink.AddSearchParameters(base.Code(), param)
			applied++
		}
		svc.log.Debug().
			Str("code", sp.Code).
			Str("type", param.Type).
			Str("expression", param.Expression).
			Msg("Applied search parameter")
	}
	svc.log.Info().Int("applied", applied).Msg("Applied search parameters to definitions")
	return applied
}

func convert(sp *fhir.SearchParameter) types.SearchParameter {
	param := types.SearchParameter{
		Name:        sp.Code,
		Type:        sp.Type.Code(),
		Description: sp.Description,
	}
	if sp.Expression != nil {
		param.Expression = *sp.Expression
	}
	for _, target := range sp.Target {
		param.Target = append(param.Target, target.Code())
	}
	return param
}
