package meelreel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any]() (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R])
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

// the recipe suggestion collaborator. this is a stateless request/response
// completion call and does not participate in live synchronization.
type RecipeApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string
	apiKey string
	model  string
}

func NewRecipeApi(apiUrl string, apiKey string) *RecipeApi {
	return NewRecipeApiWithContext(context.Background(), apiUrl, apiKey)
}

func NewRecipeApiWithContext(ctx context.Context, apiUrl string, apiKey string) *RecipeApi {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &RecipeApi{
		ctx:    cancelCtx,
		cancel: cancel,
		apiUrl: apiUrl,
		apiKey: apiKey,
		model:  "gpt-3.5-turbo",
	}
}

type RecipeSuggestCallback = apiCallback[*RecipeSuggestResult]

type RecipeSuggestArgs struct {
	Ingredients []string `json:"ingredients"`
}

type RecipeSuggestResult struct {
	Recipes []string `json:"recipes"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionArgs struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
}

type chatCompletionChoice struct {
	Message chatMessage `json:"message"`
}

type chatCompletionResult struct {
	Choices []chatCompletionChoice `json:"choices"`
}

func (self *RecipeApi) Suggest(suggest *RecipeSuggestArgs, callback RecipeSuggestCallback) {
	go self.suggest(suggest, callback)
}

func (self *RecipeApi) SuggestSync(suggest *RecipeSuggestArgs) (*RecipeSuggestResult, error) {
	return self.suggest(suggest, NewNoopApiCallback[*RecipeSuggestResult]())
}

func (self *RecipeApi) suggest(suggest *RecipeSuggestArgs, callback RecipeSuggestCallback) (*RecipeSuggestResult, error) {
	prompt := fmt.Sprintf(
		"Suggest recipes based on these ingredients: %s",
		strings.Join(suggest.Ingredients, ", "),
	)
	completionArgs := &chatCompletionArgs{
		Model: self.model,
		Messages: []chatMessage{
			{Role: "user", Content: prompt},
		},
		MaxTokens: 150,
	}

	completionResult, err := post(
		self.ctx,
		fmt.Sprintf("%s/v1/chat/completions", self.apiUrl),
		completionArgs,
		self.apiKey,
		&chatCompletionResult{},
		NewNoopApiCallback[*chatCompletionResult](),
	)
	if err != nil {
		callback.Result(nil, err)
		return nil, err
	}
	if len(completionResult.Choices) == 0 {
		err := errors.New("completion returned no choices")
		callback.Result(nil, err)
		return nil, err
	}

	recipes := []string{}
	for _, line := range strings.Split(completionResult.Choices[0].Message.Content, "\n") {
		if line := strings.TrimSpace(line); line != "" {
			recipes = append(recipes, line)
		}
	}

	result := &RecipeSuggestResult{
		Recipes: recipes,
	}
	callback.Result(result, nil)
	return result, nil
}

func (self *RecipeApi) Close() {
	self.cancel()
}

func post[R any](ctx context.Context, url string, args any, bearer string, result R, callback apiCallback[R]) (R, error) {
	var requestBodyBytes []byte
	if args == nil {
		requestBodyBytes = make([]byte, 0)
	} else {
		var err error
		requestBodyBytes, err = json.Marshal(args)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "application/json")

	if bearer != "" {
		auth := fmt.Sprintf("Bearer %s", bearer)
		req.Header.Add("Authorization", auth)
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		// the response body is the error message
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}
