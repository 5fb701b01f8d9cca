package app

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/builder-publisher/internal/xerrors"
)

// ParamAPI is the subset of *ssm.Client used to read secrets
type ParamAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Secret returns literal when set, otherwise the decrypted value of the SSM parameter param.
// Parameter values are trimmed; an empty value is an error.
func Secret(ctx context.Context, client ParamAPI, literal, param string) (string, error) {
	if literal != "" {
		return literal, nil
	}
	if param == "" {
		return "", xerrors.Mark(xerrors.New("no value or ssm parameter configured"), xerrors.KindConfig)
	}
	if client == nil {
		return "", xerrors.Mark(xerrors.Newf("ssm client required to read %s", param), xerrors.KindConfig)
	}

	out, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(param),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", xerrors.Mark(xerrors.Wrapf(err, "get SSM parameter %s", param), xerrors.KindConfig)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", xerrors.Mark(xerrors.Newf("SSM parameter %s has no value", param), xerrors.KindConfig)
	}

	v := strings.TrimSpace(*out.Parameter.Value)
	if v == "" {
		return "", xerrors.Mark(xerrors.Newf("SSM parameter %s is empty", param), xerrors.KindConfig)
	}
	return v, nil
}
