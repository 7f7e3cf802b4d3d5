package main

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrincipalARN(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{"assumed role", "arn:aws:sts::123456789012:assumed-role/Deploy/ci-42", "arn:aws:iam::123456789012:role/Deploy"},
		{"other partition", "arn:aws-cn:sts::123456789012:assumed-role/Deploy/s", "arn:aws-cn:iam::123456789012:role/Deploy"},
		{"user", "arn:aws:iam::123456789012:user/alice", "arn:aws:iam::123456789012:user/alice"},
		{"not an arn", "local", "local"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, principalARN(tt.in))
		})
	}
}

func TestRequiredActions(t *testing.T) {
	table := requiredActions("table")
	assert.Contains(t, table, "dynamodb:UpdateTable")
	assert.Contains(t, table, "dynamodb:PutItem")
	assert.IsIncreasing(t, table)

	local := requiredActions("badger")
	assert.NotContains(t, local, "dynamodb:PutItem")
	assert.Len(t, local, 5)
}

func TestTableARN(t *testing.T) {
	assert.Equal(t, "arn:aws:dynamodb:eu-west-1:123:table/app", tableARN("", "eu-west-1", "123", "app"))
}

type fakeSTS struct {
	out *sts.GetCallerIdentityOutput
	err error
}

func (f fakeSTS) GetCallerIdentity(context.Context, *sts.GetCallerIdentityInput, ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error) {
	return f.out, f.err
}

func TestCallerIdentity(t *testing.T) {
	id, err := callerIdentity(context.Background(), fakeSTS{out: &sts.GetCallerIdentityOutput{
		Account: aws.String("123"),
		Arn:     aws.String("arn:aws:iam::123:user/alice"),
		UserId:  aws.String("AIDA"),
	}})
	require.NoError(t, err)
	assert.Equal(t, identity{Account: "123", ARN: "arn:aws:iam::123:user/alice", UserID: "AIDA"}, id)

	_, err = callerIdentity(context.Background(), fakeSTS{err: errors.New("expired token")})
	assert.ErrorContains(t, err, "expired token")
}

// fakeSimulator allows every action except those in deny, one action per
// page.
type fakeSimulator struct {
	deny  map[string]bool
	calls int
	input *iam.SimulatePrincipalPolicyInput
}

func (f *fakeSimulator) SimulatePrincipalPolicy(_ context.Context, in *iam.SimulatePrincipalPolicyInput, _ ...func(*iam.Options)) (*iam.SimulatePrincipalPolicyOutput, error) {
	f.calls++
	f.input = in
	i := 0
	if in.Marker != nil {
		i = len(aws.ToString(in.Marker))
	}
	action := in.ActionNames[i]
	decision := iamtypes.PolicyEvaluationDecisionTypeAllowed
	if f.deny[action] {
		decision = iamtypes.PolicyEvaluationDecisionTypeImplicitDeny
	}
	out := &iam.SimulatePrincipalPolicyOutput{
		EvaluationResults: []iamtypes.EvaluationResult{{EvalActionName: aws.String(action), EvalDecision: decision}},
	}
	if i+1 < len(in.ActionNames) {
		out.IsTruncated = true
		out.Marker = aws.String(strings.Repeat("x", i+1))
	}
	return out, nil
}

func TestDeniedActions(t *testing.T) {
	sim := &fakeSimulator{deny: map[string]bool{"dynamodb:UpdateTable": true, "dynamodb:CreateTable": true}}
	actions := requiredActions("table")
	resources := []string{tableARN("aws", "us-east-1", "123", "app")}

	denied, err := deniedActions(context.Background(), sim, "arn:aws:iam::123:role/Deploy", actions, resources)
	require.NoError(t, err)
	assert.Equal(t, []string{"dynamodb:CreateTable", "dynamodb:UpdateTable"}, denied)
	assert.Equal(t, len(actions), sim.calls)
	assert.Equal(t, "arn:aws:iam::123:role/Deploy", aws.ToString(sim.input.PolicySourceArn))
	assert.Equal(t, resources, sim.input.ResourceArns)
}
