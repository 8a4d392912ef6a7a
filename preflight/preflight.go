// Package preflight asks IAM whether a principal may perform the calls the
// wrappers make, before any of them is attempted.
package preflight

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/gurre/awschome/aws"
	"github.com/gurre/awschome/config"
)

// Requirement is a set of actions that must be allowed on every resource.
type Requirement struct {
	Actions   []string
	Resources []string
}

// S3Requirements covers the object store: uploads, reads (HeadObject, GetObject
// and pre-signed GETs) and deletes within bucket.
func S3Requirements(bucket string) []Requirement {
	return []Requirement{{
		Actions:   []string{"s3:PutObject", "s3:GetObject", "s3:DeleteObject"},
		Resources: []string{"arn:aws:s3:::" + bucket + "/*"},
	}}
}

// KinesisRequirements covers the stream publisher.
func KinesisRequirements(streamARN string) []Requirement {
	return []Requirement{{
		Actions:   []string{"kinesis:PutRecord", "kinesis:PutRecords"},
		Resources: []string{streamARN},
	}}
}

// Denial is one action/resource pair IAM did not allow.
type Denial struct {
	Action   string `json:"action"`
	Resource string `json:"resource"`
	Decision string `json:"decision"` // implicitDeny or explicitDeny
}

// DeniedError lists every denied pair of a Check.
type DeniedError struct {
	Principal string
	Denials   []Denial
}

func (e *DeniedError) Error() string {
	parts := make([]string, 0, len(e.Denials))
	for _, d := range e.Denials {
		parts = append(parts, fmt.Sprintf("%s on %s (%s)", d.Action, d.Resource, d.Decision))
	}
	return fmt.Sprintf("%s is not allowed: %s", e.Principal, strings.Join(parts, ", "))
}

// Checker simulates the policies attached to one principal.
type Checker struct {
	client       aws.IAMClient
	principalARN string
	logger       *slog.Logger
}

// NewChecker creates a Checker for principalARN, a user or role ARN.
func NewChecker(client aws.IAMClient, principalARN string, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		client:       client,
		principalARN: principalARN,
		logger:       logger,
	}
}

// Check returns nil when every requirement is allowed and a *DeniedError
// otherwise. Without a principal it fails with a *config.ConfigurationError.
func (c *Checker) Check(ctx context.Context, reqs ...Requirement) error {
	if c.principalARN == "" {
		return &config.ConfigurationError{Field: "principalArn"}
	}
	if c.client == nil {
		return config.NotConfigured("iam preflight")
	}

	var denials []Denial
	for _, req := range reqs {
		if len(req.Actions) == 0 {
			continue
		}

		p := iam.NewSimulatePrincipalPolicyPaginator(c.client, &iam.SimulatePrincipalPolicyInput{
			PolicySourceArn: awssdk.String(c.principalARN),
			ActionNames:     req.Actions,
			ResourceArns:    req.Resources,
		})
		for p.HasMorePages() {
			page, err := p.NextPage(ctx)
			if err != nil {
				return fmt.Errorf("failed to simulate policy for %s: %w", c.principalARN, err)
			}
			for _, r := range page.EvaluationResults {
				if r.EvalDecision == types.PolicyEvaluationDecisionTypeAllowed {
					continue
				}
				denials = append(denials, Denial{
					Action:   awssdk.ToString(r.EvalActionName),
					Resource: awssdk.ToString(r.EvalResourceName),
					Decision: string(r.EvalDecision),
				})
			}
		}
	}

	if len(denials) > 0 {
		c.logger.Warn("preflight denied", "principal", c.principalARN, "count", len(denials))
		return &DeniedError{Principal: c.principalARN, Denials: denials}
	}

	c.logger.Debug("preflight passed", "principal", c.principalARN, "count", len(reqs))
	return nil
}
