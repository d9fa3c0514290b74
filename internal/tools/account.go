package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aegis-agents/chatbot/internal/helper"
	"github.com/aegis-agents/chatbot/internal/state"
)

// ErrUserNotFound is returned when the helper has no record of the user.
var ErrUserNotFound = errors.New("the current user info does not exist")

// Account builds the tools of the Account team.
type Account struct {
	svc helper.Service
}

// NewAccount returns the Account tool factory.
func NewAccount(svc helper.Service) *Account {
	return &Account{svc: svc}
}

// Tools returns every Account tool.
func (a *Account) Tools() []Tool {
	return []Tool{a.ShowUserInfo(), a.ChangeSmartAccount()}
}

func (a *Account) ShowUserInfo() Tool {
	return Tool{
		Name:          "show_user_info",
		Description:   "Use this to trigger UI to show user the user info.",
		Schema:        emptySchema(),
		FailurePrefix: "Query User Info Failed.",
		Invoke: func(ctx context.Context, env Env, _ json.RawMessage) (string, error) {
			resp, err := a.svc.GetUser(ctx, helper.GetUserRequest{UID: env.UserID})
			if err != nil {
				return "", err
			}
			if resp.AegisUser.UID == "" && resp.AegisUser.UserAddress == "" {
				return "", ErrUserNotFound
			}
			emit(env, state.Card{Type: state.CardShowUserInfo, Args: []any{resp}})
			return fmt.Sprintf("The UI to show information of the user has been display to the user.\n"+
				"The UI contains the following information:\n"+
				"- User Address: %s (The wallet address currently used by the user for sign in)\n"+
				"- User Smart Account Address: %s (The address of smart account currently managed jointly by the user and the auto-fi agent)",
				resp.AegisUser.UserAddress, resp.AegisUser.SmartAddress), nil
		},
	}
}

func (a *Account) ChangeSmartAccount() Tool {
	return Tool{
		Name:          "change_smart_account",
		Description:   "Use this to trigger UI to request the user to change smart account.",
		Schema:        emptySchema(),
		FailurePrefix: "Change User Smart Account Failed.",
		Invoke: func(context.Context, Env, json.RawMessage) (string, error) {
			return "Change User Smart Account Failed. The smart account change service is currently unavailable.", nil
		},
	}
}
