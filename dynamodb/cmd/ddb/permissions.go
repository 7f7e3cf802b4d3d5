package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// identityAPI is the subset of *sts.Client used here.
type identityAPI interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

type identity struct {
	Account string
	ARN     string
	UserID  string
}

func callerIdentity(ctx context.Context, api identityAPI) (identity, error) {
	out, err := api.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return identity{}, fmt.Errorf("get caller identity: %w", err)
	}
	return identity{
		Account: aws.ToString(out.Account),
		ARN:     aws.ToString(out.Arn),
		UserID:  aws.ToString(out.UserId),
	}, nil
}

// principalARN converts an assumed-role session ARN to the role ARN, which
// is what the policy simulator accepts.
//
//	arn:aws:sts::123:assumed-role/Deploy/ci-42 -> arn:aws:iam::123:role/Deploy
func principalARN(arn string) string {
	parts := strings.SplitN(arn, ":", 6)
	if len(parts) != 6 || parts[2] != "sts" || !strings.HasPrefix(parts[5], "assumed-role/") {
		return arn
	}
	role := strings.TrimPrefix(parts[5], "assumed-role/")
	if i := strings.LastIndex(role, "/"); i >= 0 {
		role = role[:i]
	}
	return fmt.Sprintf("%s:%s:iam::%s:role/%s", parts[0], parts[1], parts[4], role)
}

// requiredActions lists the DynamoDB actions a migration may call.
func requiredActions(stateBackend string) []string {
	actions := []string{
		"dynamodb:CreateTable",
		"dynamodb:DescribeTable",
		"dynamodb:DescribeTimeToLive",
		"dynamodb:UpdateTable",
		"dynamodb:UpdateTimeToLive",
	}
	if stateBackend == "" || stateBackend == "table" {
		actions = append(actions, "dynamodb:GetItem", "dynamodb:PutItem", "dynamodb:Query")
	}
	sort.Strings(actions)
	return actions
}

func tableARN(partition, region, account, table string) string {
	if partition == "" {
		partition = "aws"
	}
	return fmt.Sprintf("arn:%s:dynamodb:%s:%s:table/%s", partition, region, account, table)
}

// policySimulator is the subset of *iam.Client used here.
type policySimulator interface {
	SimulatePrincipalPolicy(ctx context.Context, params *iam.SimulatePrincipalPolicyInput, optFns ...func(*iam.Options)) (*iam.SimulatePrincipalPolicyOutput, error)
}

// deniedActions returns the actions the principal may not perform on the
// resources, sorted.
func deniedActions(ctx context.Context, api policySimulator, principal string, actions, resources []string) ([]string, error) {
	p := iam.NewSimulatePrincipalPolicyPaginator(api, &iam.SimulatePrincipalPolicyInput{
		PolicySourceArn: aws.String(principal),
		ActionNames:     actions,
		ResourceArns:    resources,
	})
	var denied []string
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("simulate policy for %s: %w", principal, err)
		}
		for _, r := range page.EvaluationResults {
			if r.EvalDecision != iamtypes.PolicyEvaluationDecisionTypeAllowed {
				denied = append(denied, aws.ToString(r.EvalActionName))
			}
		}
	}
	sort.Strings(denied)
	return denied, nil
}

// checkPermissions fails when the caller lacks an action a migration of
// the configured table needs.
func (e *env) checkPermissions(ctx context.Context) error {
	id, err := callerIdentity(ctx, sts.NewFromConfig(e.aws))
	if err != nil {
		return err
	}
	var partition string
	if parts := strings.SplitN(id.ARN, ":", 3); len(parts) == 3 {
		partition = parts[1]
	}
	resources := []string{tableARN(partition, e.aws.Region, id.Account, e.cfg.Table.TableName)}
	principal := principalARN(id.ARN)

	denied, err := deniedActions(ctx, iam.NewFromConfig(e.aws), principal, requiredActions(e.cfg.State.Backend), resources)
	if err != nil {
		return err
	}
	if len(denied) > 0 {
		return fmt.Errorf("%s is not allowed: %s", principal, strings.Join(denied, ", "))
	}
	e.logger.Info().Str("principal", principal).Msg("permissions ok")
	return nil
}
