package mock

import (
	"context"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/iam/types"
)

// IAMClient allows every action listed in Allowed and implicitly denies the rest.
type IAMClient struct {
	mu      sync.Mutex
	Allowed map[string]bool
	Calls   int
}

// NewIAMClient creates a mock that allows the given actions
func NewIAMClient(allowed ...string) *IAMClient {
	m := &IAMClient{Allowed: make(map[string]bool)}
	for _, a := range allowed {
		m.Allowed[a] = true
	}
	return m
}

// SimulatePrincipalPolicy implements the IAMClient interface
func (m *IAMClient) SimulatePrincipalPolicy(ctx context.Context, params *iam.SimulatePrincipalPolicyInput, optFns ...func(*iam.Options)) (*iam.SimulatePrincipalPolicyOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++

	out := &iam.SimulatePrincipalPolicyOutput{}
	for _, action := range params.ActionNames {
		for _, res := range params.ResourceArns {
			decision := types.PolicyEvaluationDecisionTypeImplicitDeny
			if m.Allowed[action] {
				decision = types.PolicyEvaluationDecisionTypeAllowed
			}
			out.EvaluationResults = append(out.EvaluationResults, types.EvaluationResult{
				EvalActionName:   aws.String(action),
				EvalResourceName: aws.String(res),
				EvalDecision:     decision,
			})
		}
	}
	return out, nil
}
