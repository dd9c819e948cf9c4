package session

import (
	"log/slog"

	"github.com/google/uuid"

	"github.com/pavelanni/photograder/internal/model"
)

// collection is an ordered, de-duplicated set of uploaded images. Each image
// holds a preview handle for as long as it stays in the collection.
type collection struct {
	name   string
	images []model.Image
}

// add appends images whose (name, size) key is not present yet and returns
// how many were added.
func (c *collection) add(imgs []model.Image) int {
	seen := make(map[model.ImageKey]bool, len(c.images)+len(imgs))
	for _, img := range c.images {
		seen[img.Key()] = true
	}
	added := 0
	for _, img := range imgs {
		if seen[img.Key()] {
			continue
		}
		seen[img.Key()] = true
		img.PreviewID = uuid.NewString()
		c.images = append(c.images, img)
		added++
	}
	return added
}

func (c *collection) remove(index int) bool {
	if index < 0 || index >= len(c.images) {
		return false
	}
	c.release(c.images[index : index+1])
	c.images = append(c.images[:index:index], c.images[index+1:]...)
	return true
}

func (c *collection) clear() {
	c.release(c.images)
	c.images = nil
}

func (c *collection) release(imgs []model.Image) {
	for _, img := range imgs {
		slog.Debug("released image preview", "collection", c.name, "name", img.Name, "preview_id", img.PreviewID)
	}
}

func (c *collection) len() int {
	return len(c.images)
}

// snapshot returns a copy of the images; the payload bytes are shared
// read-only.
func (c *collection) snapshot() []model.Image {
	out := make([]model.Image, len(c.images))
	copy(out, c.images)
	return out
}

func (c *collection) infos() []model.ImageInfo {
	out := make([]model.ImageInfo, len(c.images))
	for i, img := range c.images {
		out[i] = img.Info()
	}
	return out
}

func (c *collection) preview(id string) (model.Image, bool) {
	for _, img := range c.images {
		if img.PreviewID == id {
			return img, true
		}
	}
	return model.Image{}, false
}
