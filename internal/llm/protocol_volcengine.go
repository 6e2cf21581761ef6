package llm

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/volcengine/volcengine-go-sdk/service/arkruntime"
	volcModel "github.com/volcengine/volcengine-go-sdk/service/arkruntime/model"
	"github.com/volcengine/volcengine-go-sdk/volcengine"
)

//文档:https://www.volcengine.com/docs/82379/1824121

// generateByVolcengineProtocol calls the official Ark image endpoint. Used as
// the secondary channel when no OpenAI-compatible key is configured.
func generateByVolcengineProtocol(ctx context.Context, apiKey, model, prompt, imageRef string) (imageURL, assistantText string, err error) {
	if strings.TrimSpace(apiKey) == "" {
		return "", "", fmt.Errorf("volcengine api key missing")
	}
	client := arkruntime.NewClientWithApiKey(apiKey)

	var refs []string
	if strings.TrimSpace(imageRef) != "" {
		refs = []string{strings.TrimSpace(imageRef)}
	}

	var sequentialImageGeneration volcModel.SequentialImageGeneration = "disabled"
	generateReq := volcModel.GenerateImagesRequest{
		Model:                     model,
		Prompt:                    prompt,
		Image:                     refs,
		Size:                      volcengine.String("2K"),
		ResponseFormat:            volcengine.String(volcModel.GenerateImagesResponseFormatURL),
		Watermark:                 volcengine.Bool(false),
		SequentialImageGeneration: &sequentialImageGeneration, // 单图即可，关闭组图
	}

	stream, err := client.GenerateImagesStreaming(ctx, generateReq)
	if err != nil {
		logrus.WithError(err).Error("volcengine generate images stream open failed")
		return "", "", err
	}
	defer stream.Close()

	for {
		recv, recvErr := stream.Recv()
		if recvErr == io.EOF {
			break
		}
		if recvErr != nil {
			logrus.WithError(recvErr).Error("volcengine stream recv failed")
			return "", assistantText, recvErr
		}
		switch recv.Type {
		case "image_generation.partial_failed":
			if recv.Error != nil {
				logrus.WithFields(logrus.Fields{
					"code":    recv.Error.Code,
					"message": recv.Error.Message,
				}).Warn("volcengine partial failure")
				assistantText = recv.Error.Message
				if strings.EqualFold(recv.Error.Code, "InternalServiceError") {
					return "", assistantText, fmt.Errorf("volcengine internal error: %s", recv.Error.Message)
				}
			}
		case "image_generation.partial_succeeded":
			if recv.Error == nil && recv.Url != nil && imageURL == "" {
				imageURL = *recv.Url
			}
		case "image_generation.completed":
			if recv.Error == nil && recv.Usage != nil {
				logrus.WithField("usage", *recv.Usage).Debug("volcengine generation completed")
			}
		}
	}

	if imageURL == "" {
		if assistantText != "" {
			return "", assistantText, nil
		}
		return "", "", fmt.Errorf("volcengine returned no image")
	}
	return imageURL, assistantText, nil
}
