package dynamo

import (
	"context"
	"errors"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider"
	cognitotypes "github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider/types"

	"github.com/c0deZ3R0/storefront-sync/entity"
	syncErrors "github.com/c0deZ3R0/storefront-sync/errors"
)

// userStore writes users to DynamoDB and, when a pool is configured, creates
// the matching Cognito identity first.
type userStore struct {
	*Table[entity.User]
	cognito    CognitoAPI
	userPoolID string
}

func (s *userStore) Create(ctx context.Context, u entity.User) error {
	if err := s.mirror(ctx, u); err != nil {
		return err
	}
	return s.Table.Create(ctx, u)
}

func (s *userStore) mirror(ctx context.Context, u entity.User) error {
	if s.userPoolID == "" || s.cognito == nil {
		return nil
	}
	attrs := []cognitotypes.AttributeType{
		{Name: aws.String("email"), Value: aws.String(u.Email)},
		{Name: aws.String("email_verified"), Value: aws.String("true")},
	}
	if u.FullName != "" {
		attrs = append(attrs, cognitotypes.AttributeType{Name: aws.String("name"), Value: aws.String(u.FullName)})
	}
	_, err := s.cognito.AdminCreateUser(ctx, &cognitoidentityprovider.AdminCreateUserInput{
		UserPoolId:     aws.String(s.userPoolID),
		Username:       aws.String(u.Email),
		UserAttributes: attrs,
		MessageAction:  cognitotypes.MessageActionTypeSuppress,
	})
	var exists *cognitotypes.UsernameExistsException
	if errors.As(err, &exists) {
		// A replayed create_user already reached Cognito.
		s.logger.DebugContext(ctx, "Cognito user already exists", slog.String("user_id", u.ID))
		return nil
	}
	return classify(syncErrors.OpRemote, err)
}
