package handlers

import (
	"mime/multipart"

	"github.com/gofiber/fiber/v2"

	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/service"
	"github.com/maheshrc27/postflow/internal/transfer"
)

type PostHandler struct {
	s service.PostService
}

func NewPostHandler(s service.PostService) *PostHandler {
	return &PostHandler{s: s}
}

func (h *PostHandler) PublishPost(c *fiber.Ctx) error {
	in, closeMedia, err := parsePostForm(c)
	if err != nil {
		return respondError(c, err, nil)
	}
	defer closeMedia()

	post, err := h.s.Publish(c.Context(), in)
	if err != nil {
		return respondError(c, err, post)
	}

	if post.Status == models.PostStatusScheduled {
		return c.Status(fiber.StatusAccepted).JSON(transfer.PostResponse{
			Message: "Post accepted, the platform is still processing it",
			Post:    post,
		})
	}
	return c.Status(fiber.StatusOK).JSON(transfer.PostResponse{
		Message: "Post published successfully",
		Post:    post,
	})
}

func (h *PostHandler) SchedulePost(c *fiber.Ctx) error {
	in, closeMedia, err := parsePostForm(c)
	if err != nil {
		return respondError(c, err, nil)
	}
	defer closeMedia()

	at, err := service.ParseSchedule(c.FormValue("scheduledDate"), c.FormValue("scheduledTime"), c.FormValue("timezone"))
	if err != nil {
		return respondError(c, err, nil)
	}
	in.ScheduledFor = &at

	post, err := h.s.Schedule(c.Context(), in)
	if err != nil {
		return respondError(c, err, nil)
	}

	return c.Status(fiber.StatusOK).JSON(transfer.PostResponse{
		Message: "Post scheduled successfully",
		Post:    post,
	})
}

// parsePostForm reads content, platforms, postType and the optional media
// file. The returned func closes the media file.
func parsePostForm(c *fiber.Ctx) (service.PostInput, func(), error) {
	noop := func() {}

	form, err := c.MultipartForm()
	if err != nil {
		return service.PostInput{}, noop, models.NewInvalidRequest("unable to parse form")
	}

	platforms, err := models.ParsePlatforms(c.FormValue("platforms"))
	if err != nil {
		return service.PostInput{}, noop, err
	}
	postType, err := models.ParsePostType(c.FormValue("postType"))
	if err != nil {
		return service.PostInput{}, noop, err
	}

	in := service.PostInput{
		UserID:    GetUserID(c),
		Content:   c.FormValue("content"),
		Platforms: platforms,
		PostType:  postType,
	}

	files := form.File["media"]
	if len(files) == 0 {
		return in, noop, nil
	}

	media, file, err := openMedia(files[0])
	if err != nil {
		return service.PostInput{}, noop, err
	}
	in.Media = media
	return in, func() { _ = file.Close() }, nil
}

func openMedia(fh *multipart.FileHeader) (*service.Media, multipart.File, error) {
	file, err := fh.Open()
	if err != nil {
		return nil, nil, models.NewInvalidRequest("unable to read media file")
	}
	return &service.Media{
		Body:        file,
		ContentType: fh.Header.Get("Content-Type"),
		Filename:    fh.Filename,
	}, file, nil
}

func (h *PostHandler) ListPosts(c *fiber.Ctx) error {
	filter := models.PostFilter{
		UserID: GetUserID(c),
		Limit:  c.QueryInt("limit", 0),
	}
	if v := c.Query("status"); v != "" {
		status, err := models.ParsePostStatus(v)
		if err != nil {
			return respondError(c, err, nil)
		}
		filter.Status = status
	}
	if v := c.Query("platform"); v != "" {
		p, err := models.ParsePlatform(v)
		if err != nil {
			return respondError(c, err, nil)
		}
		filter.Platform = p
	}

	posts, err := h.s.List(c.Context(), filter)
	if err != nil {
		return respondError(c, err, nil)
	}
	return c.Status(fiber.StatusOK).JSON(nonNil(posts))
}

func (h *PostHandler) ListScheduledPosts(c *fiber.Ctx) error {
	posts, err := h.s.ListScheduled(c.Context(), GetUserID(c))
	if err != nil {
		return respondError(c, err, nil)
	}
	return c.Status(fiber.StatusOK).JSON(nonNil(posts))
}

func (h *PostHandler) GetPost(c *fiber.Ctx) error {
	post, err := h.s.Get(c.Context(), GetUserID(c), c.Params("id"))
	if err != nil {
		return respondError(c, err, nil)
	}
	return c.Status(fiber.StatusOK).JSON(post)
}

func (h *PostHandler) PublishNow(c *fiber.Ctx) error {
	post, err := h.s.PublishNow(c.Context(), GetUserID(c), c.Params("id"))
	if err != nil {
		return respondError(c, err, post)
	}
	return c.Status(fiber.StatusOK).JSON(transfer.PostResponse{
		Message: "Post published successfully",
		Post:    post,
	})
}

func (h *PostHandler) RemovePost(c *fiber.Ctx) error {
	if err := h.s.Cancel(c.Context(), GetUserID(c), c.Params("id")); err != nil {
		return respondError(c, err, nil)
	}
	return c.Status(fiber.StatusOK).JSON(transfer.PostResponse{
		Message: "Post deleted",
	})
}

func (h *PostHandler) ListAttempts(c *fiber.Ctx) error {
	attempts, err := h.s.Attempts(c.Context(), GetUserID(c), c.Params("id"))
	if err != nil {
		return respondError(c, err, nil)
	}
	if attempts == nil {
		attempts = []*models.PublishAttempt{}
	}
	return c.Status(fiber.StatusOK).JSON(attempts)
}

func nonNil(posts []*models.Post) []*models.Post {
	if posts == nil {
		return []*models.Post{}
	}
	return posts
}
